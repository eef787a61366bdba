package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/driftwave/mediagen/internal/domain"
)

// OptionRepo reads generation options. Options are written by the recommender
// surface; the core only consumes them.
type OptionRepo struct{ Pool PgxPool }

// NewOptionRepo constructs an OptionRepo with the given pool.
func NewOptionRepo(p PgxPool) *OptionRepo { return &OptionRepo{Pool: p} }

// Get loads an option by id.
func (r *OptionRepo) Get(ctx domain.Context, id string) (domain.Option, error) {
	tracer := otel.Tracer("repo.options")
	ctx, span := tracer.Start(ctx, "options.Get")
	defer span.End()
	q := `SELECT id, message_id, rank, tool_type, model_key, parameters,
		enhanced_prompt, requires_attachment, style_id, created_at
		FROM options WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var o domain.Option
	var paramsRaw []byte
	err := row.Scan(&o.ID, &o.MessageID, &o.Rank, &o.ToolType, &o.ModelKey,
		&paramsRaw, &o.EnhancedPrompt, &o.RequiresAttachment, &o.StyleID, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Option{}, fmt.Errorf("op=option.get: %w", domain.ErrNotFound)
		}
		return domain.Option{}, fmt.Errorf("op=option.get: %w", err)
	}
	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &o.Parameters); err != nil {
			return domain.Option{}, fmt.Errorf("op=option.get: unmarshal parameters: %w", err)
		}
	}
	return o, nil
}
