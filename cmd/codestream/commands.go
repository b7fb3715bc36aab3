package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/database"
	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/MarcoPoloResearchLab/codestream/internal/identity"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var errRunAborted = errors.New("run did not complete")

func newRunCommand() *cobra.Command {
	var (
		input     string
		inputFile string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the room's document once and print its output",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputFile != "" {
				content, err := readInput(inputFile)
				if err != nil {
					return err
				}
				input = content
			}
			return runOnce(cmd.Context(), input, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Standard input passed to the program")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "Read program input from this file (- for stdin)")
	return cmd
}

func readInput(path string) (string, error) {
	if path == "-" {
		content, err := io.ReadAll(os.Stdin)
		return string(content), err
	}
	content, err := os.ReadFile(path)
	return string(content), err
}

func runOnce(parent context.Context, input string, out io.Writer) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stream, cleanup := c.session.Subscribe(ctx)
	defer cleanup()

	if err := c.start(ctx); err != nil {
		return err
	}
	if err := c.waitForSync(ctx, stream); err != nil {
		return err
	}

	run, err := c.session.Run(input)
	if err != nil {
		return err
	}
	c.logger.Debug("run submitted", zap.String("run_id", run.ID), zap.String("language", run.Language))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-stream:
			if !ok {
				return ctx.Err()
			}
			if event.Kind != events.KindRunCompleted || event.Run.RunID != run.ID {
				continue
			}
			fmt.Fprint(out, formatRunResult(event.Run))
			if event.Run.Aborted || event.Run.TimedOut {
				return errRunAborted
			}
			return nil
		}
	}
}

func newRoomsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List recently joined rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRooms(cmd.OutOrStdout(), limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of rooms to list")
	return cmd
}

func listRooms(out io.Writer, limit int) error {
	path := strings.TrimSpace(viper.GetString("identity.path"))
	if path == "" {
		return errors.New("identity.path is required to list rooms")
	}
	db, err := database.OpenSQLite(path, nil)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	service, err := identity.NewService(identity.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	visits, err := service.RecentVisits(limit)
	if err != nil {
		return err
	}
	return writeVisits(out, visits)
}

func writeVisits(out io.Writer, visits []identity.RoomVisit) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ROOM\tSERVER\tJOINS\tLAST JOINED")
	for _, visit := range visits {
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\n", visit.RoomID, visit.ServerURL, visit.JoinCount, visit.LastJoinedAt.Local().Format(time.DateTime))
	}
	return writer.Flush()
}
