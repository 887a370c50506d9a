// Package cs104 implements the controlling station side of an IEC 60870-5-104 link.
// It keeps a supervised TCP connection to a controlled station, exchanges I-frames with
// sequence-numbered acknowledgement and recovers from link failures automatically.
//
// Key Features:
//   - Connection Management: dials within t0, performs STARTDT and reconnects with an exponential or fixed backoff.
//   - Acknowledgement: received I-frames are acknowledged after w frames or at the latest after t2.
//   - Supervision: sent I-frames must be acknowledged within t1; an idle link is tested with TESTFR after t3.
//   - Command Correlation: Command matches replies by the codec's correlation key.
//   - Metrics and Tracing: atomic counters exported as prometheus collectors, an OpenTelemetry span per command.
//
// Connection Establishment:
//   - Create a ConnectionConfig with `NewConnectionConfig()` and a client with `NewClient`, or use `New`.
//   - Run the returned Reader on a goroutine of its own.
//   - Call the `Open` method to start connecting.
//
// Sending:
//   - `Send` writes a telegram without waiting.
//   - `SendConfirmed` waits for the station's acknowledgement of the I-frame.
//   - `Command` waits for the reply, bounded by the caller's context.
//
// Receiving:
//   - Telegrams that do not answer a command are delivered in order on `Reader.Telegrams()`.
//   - `Reader.RestartEvents()` signals every new connection; sequence numbers restart at zero and
//     nothing lost during the reconnection is replayed.
//
// Connection Termination:
//   - Call the `Close` method to stop data transfer with STOPDT and close the connection.
//
// Usage Example:
//
//	client, reader, err := cs104.New(ctx, "10.0.0.5:2404", cs104.DefaultTimeouts(), 256)
//	// ... handle error ...
//	defer client.Close()
//
//	go func() {
//	    for a := range reader.Telegrams() {
//	        // ... process telegram ...
//	    }
//	}()
//	go reader.Run()
//
//	if err := client.Open(true); err != nil {
//	    // ... handle error ...
//	}
//
//	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
//	defer cancel()
//	reply, err := client.Command(ctx, asdu.ParamsWide.InterrogationCmd(1, asdu.QOIStation))
package cs104
