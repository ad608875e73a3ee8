// ABOUTME: Usage ledger: append-only invocation records plus rolling per-tool stats
// ABOUTME: Each record is written with its stats update in a single transaction

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/store"
)

// Alpha is the smoothing factor for the latency moving average.
const Alpha = 0.1

// maxSummaryLen caps the result summary stored with each usage row.
const maxSummaryLen = 500

// Entry describes one finished tool invocation.
type Entry struct {
	ServerID       string
	ToolName       string
	UserID         string
	ConversationID string
	Arguments      string // JSON
	Result         string
	LatencyMs      int64
	Success        bool
	Error          string
	At             time.Time
}

// Recorder accepts usage entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Ledger writes entries to the store.
type Ledger struct {
	store  store.Store
	logger *slog.Logger
}

var _ Recorder = (*Ledger)(nil)

// New creates a Ledger backed by s.
func New(s store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  s,
		logger: logger.With("component", "ledger"),
	}
}

// Record appends a usage row and folds the call into the tool's stats.
// Calls against tools the registry does not know are still recorded,
// without a tool reference and without stats.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.ServerID == "" || e.ToolName == "" {
		return errors.New("usage entry needs a server id and tool name")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	return l.store.WithTx(ctx, func(tx store.Store) error {
		var toolID string
		tool, err := tx.GetToolByName(ctx, e.ServerID, e.ToolName)
		switch {
		case err == nil:
			toolID = tool.ID
		case errors.Is(err, store.ErrNotFound):
			l.logger.Debug("recording usage for unregistered tool",
				"server_id", e.ServerID, "tool", e.ToolName)
		default:
			return fmt.Errorf("looking up tool: %w", err)
		}

		usage := &store.ToolUsage{
			ID:             uuid.New().String(),
			ServerID:       e.ServerID,
			ToolID:         toolID,
			ToolName:       e.ToolName,
			UserID:         e.UserID,
			ConversationID: e.ConversationID,
			Arguments:      e.Arguments,
			ResultSummary:  Summarize(e.Result),
			LatencyMs:      e.LatencyMs,
			Success:        e.Success,
			Error:          e.Error,
			CreatedAt:      e.At,
		}
		if err := tx.SaveUsage(ctx, usage); err != nil {
			return err
		}

		if toolID == "" {
			return nil
		}
		return tx.RecordToolCall(ctx, toolID, e.LatencyMs, e.Success, Alpha, e.At)
	})
}

// Summarize truncates a result to the stored summary length.
func Summarize(result string) string {
	if len(result) <= maxSummaryLen {
		return result
	}
	cut := maxSummaryLen
	// Back off to a rune boundary
	for cut > 0 && !isRuneStart(result[cut]) {
		cut--
	}
	return result[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
