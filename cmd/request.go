package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/driveline/driveline/app"
	"github.com/driveline/driveline/config"
	"github.com/driveline/driveline/core/dispatch"
	"github.com/driveline/driveline/core/model"
	"github.com/driveline/driveline/core/registry"
)

var (
	requestZone    string
	requestMinutes int
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Inject a synthetic lesson request",
	Long:  "Seeds an active student and one online instructor, then submits a lesson request and prints the wave outcome. Useful as a smoke test against a configured ledger.",
	RunE:  injectRequest,
}

func init() {
	requestCmd.Flags().StringVar(&requestZone, "zone", "centrum", "zone of the synthetic request")
	requestCmd.Flags().IntVar(&requestMinutes, "minutes", 60, "lesson duration in minutes")
	rootCmd.AddCommand(requestCmd)
}

func injectRequest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	seed := registry.CreateCommand{PerformedBy: "cli", Source: "request-command"}
	studentID, err := svc.Registry.CreateStudent(ctx, seed)
	if err != nil {
		return fmt.Errorf("create student: %w", err)
	}
	if err := svc.Registry.Activate(ctx, studentID, seed); err != nil {
		return fmt.Errorf("activate student: %w", err)
	}
	instructorID, err := svc.Registry.CreateInstructor(ctx, seed)
	if err != nil {
		return fmt.Errorf("create instructor: %w", err)
	}
	if err := svc.Registry.Activate(ctx, instructorID, seed); err != nil {
		return fmt.Errorf("activate instructor: %w", err)
	}
	if err := svc.Registry.SetPresence(ctx, registry.PresenceCommand{
		InstructorID: instructorID,
		Online:       true,
		Zone:         requestZone,
	}); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}

	start := time.Now().Add(24 * time.Hour).Truncate(time.Hour)
	res, err := svc.Engine.RequestLesson(ctx, dispatch.RequestLessonCommand{
		IdempotencyKey: uuid.NewString(),
		StudentID:      studentID,
		Slot:           model.TimeRange{Start: start, End: start.Add(time.Duration(requestMinutes) * time.Minute)},
		Zone:           requestZone,
	})
	if err != nil {
		return fmt.Errorf("request lesson: %w", err)
	}
	fmt.Println(string(res.Response))
	return nil
}
