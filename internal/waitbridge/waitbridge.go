// Copyright 2025 James Ross
// Package waitbridge is an optional component that lets an external
// system complete a waitpoint token over NATS instead of a direct backend
// call — useful when the signalling party isn't a Go process holding a
// backend.Backend. It mirrors the teacher's internal/event-hooks NATS
// integration (nats.Connect + a single long-lived *nats.Conn), but
// subscribes rather than publishes: event-hooks pushes job events out to
// NATS, this pulls completion signals in.
package waitbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix is the NATS subject namespace this bridge listens under,
// per spec.md's wildcard "dataqueue.waitpoint.{tokenID}.complete".
const SubjectPrefix = "dataqueue.waitpoint."

// CompletionMessage is the JSON payload published to
// "dataqueue.waitpoint.{tokenID}.complete" to resolve that token.
type CompletionMessage struct {
	Output json.RawMessage `json:"output"`
}

// Bridge subscribes to waitpoint completion subjects and resolves the
// named token against a backend.Backend.
type Bridge struct {
	be   backend.Backend
	conn *nats.Conn
	sub  *nats.Subscription
	log  *zap.Logger
}

// Connect dials NATS and starts listening, following the teacher's
// NewNATSPublisher dialing idiom (nats.Connect, wrap, return).
func Connect(natsURL string, be backend.Backend, log *zap.Logger) (*Bridge, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("dataqueue: connect to nats: %w", err)
	}
	b := &Bridge{be: be, conn: conn, log: log}

	sub, err := conn.Subscribe(SubjectPrefix+"*.complete", b.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dataqueue: subscribe to waitpoint completions: %w", err)
	}
	b.sub = sub
	return b, nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	tokenID := tokenIDFromSubject(msg.Subject)
	if tokenID == "" {
		b.log.Warn("waitbridge: malformed subject", zap.String("subject", msg.Subject))
		return
	}
	var payload CompletionMessage
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		b.log.Warn("waitbridge: malformed completion payload", zap.String("tokenId", tokenID), zap.Error(err))
		return
	}
	if err := b.be.CompleteToken(context.Background(), tokenID, payload.Output); err != nil {
		b.log.Warn("waitbridge: complete token failed", zap.String("tokenId", tokenID), zap.Error(err))
	}
}

// tokenIDFromSubject extracts {tokenID} from
// "dataqueue.waitpoint.{tokenID}.complete".
func tokenIDFromSubject(subject string) string {
	const suffix = ".complete"
	if len(subject) <= len(SubjectPrefix)+len(suffix) {
		return ""
	}
	if subject[len(subject)-len(suffix):] != suffix {
		return ""
	}
	return subject[len(SubjectPrefix) : len(subject)-len(suffix)]
}

// Close unsubscribes and closes the NATS connection.
func (b *Bridge) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.conn.Close()
	return nil
}
