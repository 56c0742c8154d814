package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"futures-worker/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("ALERT %s", message)
	return nil
}

// AlertRelay forwards risk alerts from the bus to a sink.
type AlertRelay struct {
	Bus  *events.Bus
	Sink AlertSink
}

// Start subscribes to risk alerts until ctx is done.
func (r *AlertRelay) Start(ctx context.Context) {
	if r.Bus == nil || r.Sink == nil {
		log.Println("monitor: alert relay not configured; skipping")
		return
	}
	stream, unsub := r.Bus.Subscribe(50, events.EventRiskAlert)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				if err := r.Sink.Send(formatAlert(env)); err != nil {
					log.Printf("monitor: alert delivery failed: %v", err)
				}
			}
		}
	}()
}

func formatAlert(env events.Envelope) string {
	at := env.At
	if at.IsZero() {
		at = time.Now()
	}
	return fmt.Sprintf("[%s] trio %s bot=%s %s %s -> %s: %s",
		at.UTC().Format(time.RFC3339), env.TrioID, env.BotID, env.Symbol, env.From, env.To, env.Reason)
}
