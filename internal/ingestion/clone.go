package ingestion

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/RomanDovgii/testing-lms/internal/process"
)

const assignmentPlaceholder = "{assignment}"

// classroomCommand fills the assignment id into the configured listing command
func classroomCommand(template []string, externalID, dir string) (process.Command, error) {
	if len(template) == 0 {
		return process.Command{}, fmt.Errorf("classroom command not configured")
	}

	args := make([]string, 0, len(template)-1)
	for _, a := range template[1:] {
		args = append(args, strings.ReplaceAll(a, assignmentPlaceholder, externalID))
	}
	return process.Command{Name: template[0], Args: args, Dir: dir}, nil
}

// bootstrap clones every submission of an assignment into an empty branch directory
func (m *SyncManager) bootstrap(ctx context.Context, externalID, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	cmd, err := classroomCommand(m.classroomCmd, externalID, dir)
	if err != nil {
		return err
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	m.logger.WithField("dir", dir).Infof("bootstrapping assignment with %s", cmd.String())
	if _, err := m.runner.Run(ctx, cmd); err != nil {
		return err
	}
	return nil
}
