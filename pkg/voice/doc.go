// Package voice implements the client side of Dishcovery's real-time voice
// conversations: microphone capture, streaming to the dialogue backend,
// gapless playback of the synthesized reply, and live transcripts.
//
// # Overview
//
// The package provides:
//   - A session Controller with a small lifecycle state machine
//   - A websocket ProtocolSession carrying raw PCM and JSON control frames
//   - Linear-interpolation resampling to 16 kHz PCM
//   - A PlaybackScheduler that abuts 24 kHz reply frames with no gaps
//   - Reconciliation of local and backend transcripts
//   - PortAudio capture and playback devices
//   - A ChatClient and Conversation for the text chat endpoint
//   - Structured logging with Zerolog and OpenTelemetry metrics
//
// # Quick Start
//
//	config, err := voice.LoadConfig("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	config.SetLocation(voice.DefaultLatitude, voice.DefaultLongitude)
//
//	ctrl, err := voice.NewController(voice.Options{Config: config})
//	if err != nil {
//		log.Fatal(err)
//	}
//	unsubscribe := ctrl.Subscribe(voice.CreateTranscriptHandler(func(live, final string) {
//		fmt.Printf("\r%s", live)
//	}))
//	defer unsubscribe()
//
//	if err := ctrl.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	time.Sleep(30 * time.Second)
//	ctrl.Stop()
//	<-ctrl.Idle()
//
// # Session Lifecycle
//
// A Controller moves through idle, starting, active and stopping. Start
// acquires the capture device, the output device and the connection in
// that order; Stop releases them in reverse. Stop never blocks: wait on
// Idle when the caller needs teardown to have finished. A session that
// ends because the connection dropped or the microphone went away lands in
// the failed state with Snapshot.LastError set. Start may be called again
// from either idle or failed.
//
// If the output device cannot be opened the session still runs with
// Snapshot.OutputDegraded set: transcripts and map tokens keep flowing,
// reply audio is discarded.
//
// # Wire Format
//
// Outbound binary messages are little-endian 16-bit mono PCM at 16 kHz
// with no header. Inbound binary messages are the same layout at 24 kHz.
// Inbound text messages are JSON objects with optional keys
// user_transcript, transcript and widget_token; see DecodeTextFrame.
//
// # Transcripts
//
// With a Recognizer running and PolicyPreferLocal, local results drive the
// displayed transcript and backend user transcripts are only accumulated
// in Snapshot.BackendTranscript. Otherwise the backend drives the display.
//
// # Error Handling
//
// Errors are *Error values carrying a code:
//
//	if voice.IsErrorCode(err, voice.ErrCodeDevice) {
//		fmt.Println("microphone unavailable")
//	}
//
// Decode failures on individual frames are logged and dropped; they never
// reach the caller.
package voice
