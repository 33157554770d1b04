package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dishcovery/voice-go/pkg/voice"
	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var (
	verbose         bool
	configPath      string
	voiceEndpoint   string
	chatEndpoint    string
	apiKey          string
	lat             float64
	lng             float64
	defaultLocation bool
	duration        time.Duration
	showStats       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dishcovery",
		Short: "Dishcovery voice client",
		Long:  "Talk to the Dishcovery food assistant from the command line, by voice or text",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := voice.InfoLevel
			if verbose {
				level = voice.DebugLevel
			}
			lc := voice.DefaultLogConfig()
			lc.Level = level
			voice.SetGlobalLogger(voice.NewLogger(lc))
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&voiceEndpoint, "voice-endpoint", "", "Voice websocket endpoint (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&chatEndpoint, "chat-endpoint", "", "Chat API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key used to sign connect tokens")
	rootCmd.PersistentFlags().Float64Var(&lat, "lat", 0, "Latitude sent with requests")
	rootCmd.PersistentFlags().Float64Var(&lng, "lng", 0, "Longitude sent with requests")
	rootCmd.PersistentFlags().BoolVar(&defaultLocation, "default-location", false, "Use the default location (University of Arizona)")

	rootCmd.AddCommand(voiceCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		voice.GetGlobalLogger().WithError(err).Fatal("CLI execution failed")
	}
}

// loadConfig layers command-line flags over the file and environment.
func loadConfig(cmd *cobra.Command) (*voice.Config, error) {
	config, err := voice.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if voiceEndpoint != "" {
		config.VoiceEndpoint = voiceEndpoint
	}
	if chatEndpoint != "" {
		config.ChatEndpoint = chatEndpoint
	}
	if apiKey != "" {
		config.APIKey = apiKey
	}
	if !verbose {
		voice.SetGlobalLogger(voice.NewLogger(config.LogConfig()))
	}

	flags := cmd.Flags()
	switch {
	case flags.Changed("lat") || flags.Changed("lng"):
		if !flags.Changed("lat") || !flags.Changed("lng") {
			return nil, voice.NewConfigError("--lat and --lng must be given together")
		}
		config.SetLocation(lat, lng)
	case defaultLocation:
		config.SetLocation(voice.DefaultLatitude, voice.DefaultLongitude)
	}

	if issues := config.Validate(); len(issues) > 0 {
		return nil, voice.NewConfigError("invalid configuration:\n  " + strings.Join(issues, "\n  "))
	}
	return config, nil
}

func voiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voice",
		Short: "Hold a voice conversation",
		Long:  "Stream the microphone to the backend, play the spoken reply and print live transcripts. Stops on Ctrl-C or after --duration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			reader := sdkmetric.NewManualReader()
			provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
			defer provider.Shutdown(context.Background())

			metrics, err := voice.NewMetrics(provider)
			if err != nil {
				return err
			}

			ctrl, err := voice.NewController(voice.Options{
				Config:  config,
				Logger:  voice.GetGlobalLogger(),
				Metrics: metrics,
			})
			if err != nil {
				return err
			}

			printer, stopPrinter := voice.CreateBufferedHandler(64, voice.ChainSnapshotHandlers(
				voice.CreateTranscriptHandler(func(live, final string) {
					fmt.Printf("\rYou: %s", live)
				}),
				voice.CreateReplyHandler(func(reply string) {
					fmt.Printf("\nDishcovery: %s\n", reply)
				}),
				voice.CreateWidgetTokenHandler(func(token *string) {
					if token == nil {
						fmt.Println("\n[map cleared]")
						return
					}
					fmt.Printf("\n[map token %s]\n", *token)
				}),
				voice.CreateErrorHandler(func(message string) {
					fmt.Printf("\nSession ended: %s\n", message)
				}),
			))
			defer stopPrinter()
			unsubscribe := ctrl.Subscribe(voice.ChainSnapshotHandlers(
				voice.CreateLoggingSnapshotHandler(voice.GetGlobalLogger()),
				printer,
			))
			defer unsubscribe()

			startCtx, startCancel := context.WithTimeout(ctx, config.DialTimeout+5*time.Second)
			err = ctrl.Start(startCtx)
			startCancel()
			if err != nil {
				return err
			}
			fmt.Println("Listening... press Ctrl-C to stop.")

			var timeout <-chan time.Time
			if duration > 0 {
				timer := time.NewTimer(duration)
				defer timer.Stop()
				timeout = timer.C
			}

			select {
			case <-ctx.Done():
			case <-timeout:
			case <-ctrl.Idle():
			}
			ctrl.Stop()

			select {
			case <-ctrl.Idle():
			case <-time.After(config.CloseTimeout + 3*time.Second):
				voice.GetGlobalLogger().Warn("Timed out waiting for teardown")
			}

			snap := ctrl.Snapshot()
			fmt.Printf("\n\nFinal transcript: %s\n", snap.FinalTranscript)
			if snap.WidgetToken != nil {
				fmt.Printf("Map token: %s\n", *snap.WidgetToken)
			}
			if showStats {
				printStats(reader)
			}
			if snap.State == voice.StateFailed {
				return voice.NewError(snap.LastError, voice.ErrCodeTransport)
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Stop after this long (0 = until Ctrl-C)")
	cmd.Flags().BoolVar(&showStats, "stats", false, "Print audio and protocol counters at the end")
	return cmd
}

func printStats(reader *sdkmetric.ManualReader) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		voice.GetGlobalLogger().WithError(err).Warn("Failed to collect metrics")
		return
	}

	fmt.Println("\n=== Session Statistics ===")
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				fmt.Printf("%-40s %d\n", m.Name, total)
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					fmt.Printf("%-40s %.1fs\n", m.Name, dp.Sum)
				}
			}
		}
	}
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Send one text chat message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tokens, err := tokenSource(config)
			if err != nil {
				return err
			}

			client := voice.NewChatClient(config.ChatEndpoint, tokens, voice.GetGlobalLogger())
			conv := voice.NewConversation(client, 0, voice.GetGlobalLogger())
			conv.SetLocation(config.Latitude, config.Longitude)

			reply, err := conv.Send(cmd.Context(), strings.Join(args, " "))
			fmt.Println(reply)
			if err != nil {
				if voice.IsErrorCode(err, voice.ErrCodeQuotaExceeded) {
					fmt.Fprintln(os.Stderr, "The backend is over quota, try again in a minute.")
				}
				return err
			}
			if token := conv.WidgetToken(); token != nil {
				fmt.Printf("[map token %s]\n", *token)
			}
			return nil
		},
	}
	return cmd
}

func tokenSource(config *voice.Config) (voice.TokenSource, error) {
	if config.APIKey == "" {
		return nil, nil
	}
	src, err := voice.NewSignedTokenSource(config.APIKey, config.TokenTTL)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the backend is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client := voice.NewChatClient(config.ChatEndpoint, nil, voice.GetGlobalLogger())
			client.SetTimeout(10 * time.Second)
			if err := client.Health(cmd.Context()); err != nil {
				fmt.Printf("✗ %s is unhealthy: %v\n", config.ChatEndpoint, err)
				return err
			}
			fmt.Printf("✓ %s is healthy\n", config.ChatEndpoint)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		Long:  "Display the effective configuration after defaults, file, environment and flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := voice.LoadConfig(configPath)
			if err != nil {
				return err
			}
			config.PrintConfig()

			if issues := config.Validate(); len(issues) > 0 {
				fmt.Println("\nConfiguration issues:")
				for _, issue := range issues {
					fmt.Printf("  - %s\n", issue)
				}
			}
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Audio device management",
		Long:  "Commands for listing and testing audio devices",
	}

	cmd.AddCommand(devicesListCmd())
	cmd.AddCommand(devicesTestCmd())

	return cmd
}

func devicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available audio devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			dm := voice.NewAudioDeviceManager(voice.GetGlobalLogger())
			if err := dm.Initialize(); err != nil {
				return err
			}
			defer dm.Cleanup()

			inputs := dm.GetInputDevices()
			fmt.Println("Input Devices:")
			for _, device := range inputs {
				marker := ""
				if device.IsDefaultInput {
					marker = " (Default)"
				}
				fmt.Printf("  %d: %s%s - %d channels (%.0f Hz)\n",
					device.ID, device.Name, marker, device.MaxInputChannels, device.DefaultSampleRate)
			}

			outputs := dm.GetOutputDevices()
			fmt.Println("\nOutput Devices:")
			for _, device := range outputs {
				marker := ""
				if device.IsDefaultOutput {
					marker = " (Default)"
				}
				fmt.Printf("  %d: %s%s - %d channels (%.0f Hz)\n",
					device.ID, device.Name, marker, device.MaxOutputChannels, device.DefaultSampleRate)
			}
			return nil
		},
	}
}

func devicesTestCmd() *cobra.Command {
	var output bool
	var testDuration time.Duration

	cmd := &cobra.Command{
		Use:   "test <device-id>",
		Short: "Test a specific audio device",
		Long:  "Record from an input device and report its level, or play a test tone on an output device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID, err := strconv.Atoi(args[0])
			if err != nil {
				return voice.NewConfigError(fmt.Sprintf("invalid device id %q", args[0]))
			}

			dm := voice.NewAudioDeviceManager(voice.GetGlobalLogger())
			if err := dm.Initialize(); err != nil {
				return err
			}
			defer dm.Cleanup()

			info, err := dm.GetDeviceInfo(deviceID)
			if err != nil {
				return err
			}
			fmt.Printf("\nDevice Information:\n%s\n", info)

			fmt.Printf("Starting %v device test...\n", testDuration)
			level, err := dm.TestDevice(deviceID, !output, testDuration)
			if err != nil {
				fmt.Printf("Device test failed: %v\n", err)
				return err
			}
			if !output {
				fmt.Printf("Input level: %.3f (display %.0f%%)\n", level, voice.NormalizeLevel(level)*100)
			}
			fmt.Println("Device test completed successfully!")
			return nil
		},
	}

	cmd.Flags().BoolVar(&output, "output", false, "Test as an output device")
	cmd.Flags().DurationVarP(&testDuration, "duration", "d", 3*time.Second, "Test duration")
	return cmd
}
