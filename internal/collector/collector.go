package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	core "github.com/campaignforge/sagaflow/internal/app/core/service"
	"github.com/campaignforge/sagaflow/internal/config"
	"github.com/campaignforge/sagaflow/internal/outbox"
)

// outboxService is the service name collector rows are filed under.
const outboxService = "collector"

// Result is returned by Ingest: the event's final state and, on discard,
// the rule that rejected it.
type Result struct {
	ID            uuid.UUID
	State         State
	DiscardReason string
	Retriable     bool
}

// Collector runs the C8 validation/publish pipeline for tracking events.
type Collector struct {
	db        *sql.DB
	directory *Directory
	store     Store
	outbox    *outbox.Store
	cfg       config.CollectorConfig
	log       *logrus.Entry
	hooks     core.ObservationHooks
}

// New wires a Collector. store should be a MemoryStore or RedisStore
// depending on cfg.UseRedis.
func New(db *sql.DB, store Store, outboxStore *outbox.Store, cfg config.CollectorConfig, log *logrus.Entry) *Collector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Collector{
		db:        db,
		directory: NewDirectory(db),
		store:     store,
		outbox:    outboxStore,
		cfg:       cfg,
		log:       log.WithField("component", "collector"),
	}
}

// Ingest runs the full validation pipeline for one event and, on success,
// writes the outbox row that will publish it. Validations run in the fixed
// order spec'd for C8; the first failure short-circuits the rest.
func (c *Collector) Ingest(ctx context.Context, event Event) (Result, error) {
	complete := core.StartObservation(ctx, c.hooks, map[string]string{"resource": "tracking_event", "kind": string(event.Kind)})
	var pipelineErr error
	defer func() { complete(pipelineErr) }()

	id := uuid.New()
	fingerprint := event.Fingerprint()

	if reason, ok, err := c.validate(ctx, event, fingerprint); err != nil {
		pipelineErr = err
		return Result{}, err
	} else if !ok {
		if discardErr := c.recordTerminal(ctx, id, event, fingerprint, StateDiscarded, reason, false); discardErr != nil {
			pipelineErr = discardErr
			return Result{}, discardErr
		}
		return Result{ID: id, State: StateDiscarded, DiscardReason: reason}, nil
	}

	window := c.cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	if err := c.store.IncrementRate(ctx, event.Affiliate, window); err != nil {
		pipelineErr = err
		return Result{}, err
	}

	if err := c.publish(ctx, id, event, fingerprint); err != nil {
		if recErr := c.recordTerminal(ctx, id, event, fingerprint, StateFailed, err.Error(), true); recErr != nil {
			pipelineErr = recErr
			return Result{}, recErr
		}
		return Result{ID: id, State: StateFailed, Retriable: true}, nil
	}

	if err := c.recordTerminal(ctx, id, event, fingerprint, StateAccepted, "", false); err != nil {
		pipelineErr = err
		return Result{}, err
	}
	return Result{ID: id, State: StateAccepted}, nil
}

// validate runs the validation chain in spec order, returning the first
// failing rule's name (or "" on full pass).
func (c *Collector) validate(ctx context.Context, event Event, fingerprint string) (reason string, ok bool, err error) {
	active, err := c.directory.AffiliateActive(ctx, event.Affiliate)
	if err != nil {
		return "", false, err
	}
	if !active {
		return "affiliate_inactive_or_unknown", false, nil
	}

	canEmit, err := c.directory.AffiliateCanEmit(ctx, event.Affiliate, event.Kind)
	if err != nil {
		return "", false, err
	}
	if !canEmit {
		return "affiliate_lacks_permission", false, nil
	}

	window := c.cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	limit := c.cfg.RateLimitPerWindow
	if limit <= 0 {
		limit = 100
	}
	withinLimit, err := c.store.CheckRateLimit(ctx, event.Affiliate, window, limit)
	if err != nil {
		return "", false, err
	}
	if !withinLimit {
		return "rate_limit_exceeded", false, nil
	}

	campaignActive, err := c.directory.CampaignActive(ctx, event.Campaign)
	if err != nil {
		return "", false, err
	}
	if !campaignActive {
		return "campaign_inactive_or_unknown", false, nil
	}

	dedupTTL := c.cfg.DedupTTL
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	seen, err := c.store.SeenOrMark(ctx, fingerprint, dedupTTL)
	if err != nil {
		return "", false, err
	}
	if seen {
		return "duplicate_fingerprint", false, nil
	}

	if event.Kind == KindConversion {
		if event.Value == nil || *event.Value <= 0 || event.Currency == "" {
			return "conversion_missing_value_or_currency", false, nil
		}
	}

	return "", true, nil
}

func (c *Collector) publish(ctx context.Context, id uuid.UUID, event Event, fingerprint string) error {
	payload, err := json.Marshal(struct {
		Event
		ID          uuid.UUID `json:"id"`
		Fingerprint string    `json:"fingerprint"`
	}{event, id, fingerprint})
	if err != nil {
		return fmt.Errorf("collector: marshal event: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("collector: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := c.outbox.Insert(ctx, tx, outbox.Row{
		ID:           id,
		Service:      outboxService,
		Kind:         "Register" + string(event.Kind),
		Payload:      payload,
		Topic:        event.Topic(),
		PartitionKey: event.PartitionKey(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Collector) recordTerminal(ctx context.Context, id uuid.UUID, event Event, fingerprint string, state State, reason string, retriable bool) error {
	custom, err := json.Marshal(event.CustomData)
	if err != nil {
		return fmt.Errorf("collector: marshal custom data: %w", err)
	}

	const q = `
		INSERT INTO tracking_events (id, kind, affiliate_id, campaign_id, offer_id, url, occurred_at,
			value, currency, custom_data, fingerprint, state, discard_reason, retriable)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''), $10, $11, $12, NULLIF($13, ''), $14)`
	_, err = c.db.ExecContext(ctx, q, id, event.Kind, event.Affiliate, event.Campaign, event.Offer, event.URL,
		event.Timestamp, event.Value, event.Currency, custom, fingerprint, state, reason, retriable)
	if err != nil {
		return fmt.Errorf("collector: record terminal state: %w", err)
	}
	return nil
}

// eventRow is the persisted shape of one tracking_events row, reloaded for
// admin operations that need to republish or report on it.
type eventRow struct {
	id          uuid.UUID
	event       Event
	fingerprint string
	state       State
	retriable   bool
}

func (c *Collector) loadEvent(ctx context.Context, id uuid.UUID) (eventRow, error) {
	const q = `SELECT id, kind, affiliate_id, campaign_id, offer_id, url, occurred_at, value, currency,
		custom_data, fingerprint, state, retriable FROM tracking_events WHERE id = $1`
	var row eventRow
	var campaign, offer, url, currency sql.NullString
	var customRaw []byte
	err := c.db.QueryRowContext(ctx, q, id).Scan(&row.id, &row.event.Kind, &row.event.Affiliate, &campaign, &offer,
		&url, &row.event.Timestamp, &row.event.Value, &currency, &customRaw, &row.fingerprint, &row.state, &row.retriable)
	if err != nil {
		return eventRow{}, err
	}
	row.event.Campaign = campaign.String
	row.event.Offer = offer.String
	row.event.URL = url.String
	row.event.Currency = currency.String
	if len(customRaw) > 0 {
		_ = json.Unmarshal(customRaw, &row.event.CustomData)
	}
	return row, nil
}

// GetStatus reports the terminal (or pending) state of one tracking event.
func (c *Collector) GetStatus(ctx context.Context, id uuid.UUID) (Result, error) {
	row, err := c.loadEvent(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return Result{ID: row.id, State: row.state, Retriable: row.retriable}, nil
}

// RetryEvent re-publishes a single FAILED tracking event, the admin-triggered
// recovery path for transient publish failures. Non-FAILED events are
// rejected with ErrNotRetriable.
func (c *Collector) RetryEvent(ctx context.Context, id uuid.UUID) (Result, error) {
	row, err := c.loadEvent(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if row.state != StateFailed {
		return Result{}, ErrNotRetriable
	}

	if err := c.publish(ctx, row.id, row.event, row.fingerprint); err != nil {
		return Result{ID: row.id, State: StateFailed, Retriable: true}, err
	}
	if _, err := c.db.ExecContext(ctx, `UPDATE tracking_events SET state = $1 WHERE id = $2`, StateAccepted, row.id); err != nil {
		return Result{}, err
	}
	return Result{ID: row.id, State: StateAccepted}, nil
}

// RateLimitStatus reports the affiliate's current count against its cap for
// the given window, for admin introspection.
func (c *Collector) RateLimitStatus(ctx context.Context, affiliate string, window time.Duration) (count int64, limit int, err error) {
	if window <= 0 {
		window = c.cfg.RateLimitWindow
	}
	if window <= 0 {
		window = time.Minute
	}
	limit = c.cfg.RateLimitPerWindow
	if limit <= 0 {
		limit = 100
	}
	count, err = c.store.RateCount(ctx, affiliate, window)
	return count, limit, err
}
