package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/occutrack/internal/accrual"
	"github.com/goodtune/occutrack/internal/config"
	"github.com/goodtune/occutrack/internal/source/mqtt"
	"github.com/goodtune/occutrack/internal/storage"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and stored state",
	Long:  `Check that the configuration loads, the storage backend opens and the MQTT broker is reachable.`,
	RunE:  runCheck,
}

var checkSourceCmd = &cobra.Command{
	Use:     "source ID",
	Short:   "Show stored occupancy totals for one source",
	Example: `  occutrack -c config.yaml check source hallway_motion
  occutrack check source living_room_occupancy`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckSource,
}

func init() {
	checkCmd.AddCommand(checkSourceCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("OCCUTRACK CONFIGURATION CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	failed := false

	fmt.Printf("Config:     %s\n", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		red.Println("            FAIL")
		fmt.Printf("            → %v\n", err)
		fmt.Println()
		cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		return fmt.Errorf("configuration check failed")
	}
	green.Println("            PASS")

	fmt.Printf("Storage:    %s (%s)\n", cfg.Storage.Type, cfg.Storage.Path)
	backend, err := openStorage(cfg.Storage)
	if err != nil {
		red.Println("            FAIL")
		fmt.Printf("            → %v\n", err)
		failed = true
	} else {
		states, loadErr := backend.LoadStates(context.Background())
		if loadErr != nil {
			red.Println("            FAIL")
			fmt.Printf("            → %v\n", loadErr)
			failed = true
		} else {
			green.Println("            PASS")
			fmt.Printf("            → %d occupancy records\n", len(states))
		}
		backend.Close()
	}

	fmt.Printf("Broker:     %s\n", cfg.MQTT.Broker)
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
	src, err := mqtt.New(mqtt.Config{
		Broker:          cfg.MQTT.Broker,
		ClientID:        cfg.MQTT.ClientID + "-check",
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		DeviceClasses:   cfg.Tracking.DeviceClasses,
	}, logger)
	if err == nil {
		err = src.Connect()
	}
	if err != nil {
		red.Println("            FAIL")
		fmt.Printf("            → %v\n", err)
		failed = true
	} else {
		green.Println("            PASS")
		src.Close()
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	if failed {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}

func runCheckSource(cmd *cobra.Command, args []string) error {
	id := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	backend, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer backend.Close()

	ctx := context.Background()
	st, err := backend.LoadState(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		if all, listErr := backend.LoadStates(ctx); listErr == nil {
			known := make([]string, 0, len(all))
			for sid := range all {
				known = append(known, sid)
			}
			sort.Strings(known)
			fmt.Printf("No record for %q. Known sources:\n", id)
			for _, sid := range known {
				fmt.Printf("  %s\n", sid)
			}
		}
		return fmt.Errorf("unknown source: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load record: %w", err)
	}

	printSourceRecord(id, accrual.Record{
		TotalSeconds:     st.TotalSeconds,
		TotalActivations: st.TotalActivations,
		OnSince:          st.OnSince,
		LastUpdated:      st.LastUpdated,
		LastTriggered:    st.LastTriggered,
	})
	return nil
}

func printSourceRecord(id string, rec accrual.Record) {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)

	now := time.Now()

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("OCCUPANCY RECORD")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Source:       %s\n", id)
	fmt.Printf("Total Time:   %.2fs\n", accrual.ValueAsOf(rec, now))
	fmt.Printf("Activations:  %d\n", rec.TotalActivations)
	if rec.Open() {
		yellow.Println("Session:      OPEN")
		if rec.OnSince != nil {
			fmt.Printf("On Since:     %s\n", rec.OnSince.Format(time.RFC3339))
		}
		if cur := accrual.SessionSeconds(rec, now); cur != nil {
			fmt.Printf("Current:      %.2fs\n", *cur)
		}
	} else {
		fmt.Println("Session:      closed")
	}
	if rec.LastTriggered != nil {
		fmt.Printf("Last On:      %s\n", rec.LastTriggered.Format(time.RFC3339))
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
