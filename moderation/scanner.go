package moderation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/reef-social/reef/events"
	"github.com/reef-social/reef/models"
)

var tracer = otel.Tracer("moderation")

// ErrScanBusy is returned when a scan of the same kind is already in flight.
var ErrScanBusy = errors.New("scan already in progress")

// ScanResult aggregates one batch pass. Processed counts every candidate,
// including items whose classifier call failed.
type ScanResult struct {
	Processed int `json:"processed"`
	Toxic     int `json:"toxic"`
	Deepfakes int `json:"deepfakes"`
}

func (r *ScanResult) add(other ScanResult) {
	r.Processed += other.Processed
	r.Toxic += other.Toxic
	r.Deepfakes += other.Deepfakes
}

func (r ScanResult) flagged() int {
	return r.Toxic + r.Deepfakes
}

// Scanner periodically inspects posts not yet under review, submits each to
// the external classifier, and flags positive verdicts for admin review.
//
// Only one scheduled scan runs at a time: a tick arriving while a scan is
// still executing is skipped outright, not queued. Manual scans may run
// concurrently with the scheduled scan but each kind guards against
// overlapping itself.
type Scanner struct {
	logger     *slog.Logger
	store      *models.PostStore
	evts       *events.EventManager
	classifier *ClassifierClient

	interval    time.Duration
	itemTimeout time.Duration
	limiter     *rate.Limiter

	// clean verdicts are stable because post content is immutable; caching
	// them avoids re-submitting the same item every pass. Classifier errors
	// are never cached so failed items retry on the next scan.
	cleanVerdicts *lru.Cache[string, struct{}]

	paused    atomic.Bool
	scanning  atomic.Bool
	textBusy  atomic.Bool
	imageBusy atomic.Bool

	nextRunLk sync.Mutex
	nextRun   time.Time
}

type ScannerConfig struct {
	Interval         time.Duration
	ItemTimeout      time.Duration
	ClassifierRPS    float64
	VerdictCacheSize int
}

func NewScanner(logger *slog.Logger, store *models.PostStore, evts *events.EventManager, classifier *ClassifierClient, config ScannerConfig) (*Scanner, error) {
	if config.Interval == 0 {
		config.Interval = 60 * time.Second
	}
	if config.ItemTimeout == 0 {
		config.ItemTimeout = 10 * time.Second
	}
	if config.ClassifierRPS == 0 {
		config.ClassifierRPS = 10
	}
	if config.VerdictCacheSize == 0 {
		config.VerdictCacheSize = 10_000
	}

	cache, err := lru.New[string, struct{}](config.VerdictCacheSize)
	if err != nil {
		return nil, err
	}

	return &Scanner{
		logger:        logger.With("component", "scanner"),
		store:         store,
		evts:          evts,
		classifier:    classifier,
		interval:      config.Interval,
		itemTimeout:   config.ItemTimeout,
		limiter:       rate.NewLimiter(rate.Limit(config.ClassifierRPS), 1),
		cleanVerdicts: cache,
	}, nil
}

// Run drives the scheduled scan loop and the per-second countdown broadcast
// until ctx is cancelled. Scans execute in their own goroutine so the
// countdown keeps broadcasting while a scan is in flight. The schedule is
// completion-to-next-start, not a fixed grid: when a pass finishes, the
// ticker and the broadcast countdown both restart from the full interval.
func (s *Scanner) Run(ctx context.Context) {
	s.resetCountdown()

	scanTicker := time.NewTicker(s.interval)
	defer scanTicker.Stop()
	timerTicker := time.NewTicker(time.Second)
	defer timerTicker.Stop()

	scanDone := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-scanTicker.C:
			if s.paused.Load() {
				continue
			}
			go func() {
				if s.runScheduled(ctx) {
					select {
					case scanDone <- struct{}{}:
					default:
					}
				}
			}()
		case <-scanDone:
			scanTicker.Reset(s.interval)
			s.resetCountdown()
		case <-timerTicker.C:
			s.broadcastCountdown()
		}
	}
}

// Paused reports whether scheduled scanning is suppressed.
func (s *Scanner) Paused() bool {
	return s.paused.Load()
}

// SetPaused flips the pause flag and notifies the admin room. Pausing does
// not cancel a scan already in progress; resuming does not trigger an
// immediate scan.
func (s *Scanner) SetPaused(paused bool) {
	s.paused.Store(paused)
	if paused {
		moderationPaused.Set(1)
	} else {
		moderationPaused.Set(0)
	}
	s.logger.Info("scheduled moderation toggled", "paused", paused)

	if err := s.evts.Publish(events.RoomAdmin, &events.Event{
		Type:   events.EvtStatusUpdate,
		Status: &events.ModerationStatus{IsPaused: paused},
	}); err != nil {
		s.logger.Error("failed to publish moderation status", "error", err)
	}
}

// SecondsRemaining reports the wall-clock countdown to the next scheduled
// scan, clamped at zero while a scan overruns its interval.
func (s *Scanner) SecondsRemaining() int {
	s.nextRunLk.Lock()
	defer s.nextRunLk.Unlock()
	remaining := time.Until(s.nextRun)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Round(time.Second) / time.Second)
}

func (s *Scanner) resetCountdown() {
	s.nextRunLk.Lock()
	s.nextRun = time.Now().Add(s.interval)
	s.nextRunLk.Unlock()
	secondsToNextScan.Set(float64(s.interval / time.Second))
}

func (s *Scanner) broadcastCountdown() {
	update := &events.TimerUpdate{}
	if s.paused.Load() {
		update.IsActive = false
		update.SecondsRemaining = 0
	} else {
		update.IsActive = true
		update.SecondsRemaining = s.SecondsRemaining()
	}
	secondsToNextScan.Set(float64(update.SecondsRemaining))

	if err := s.evts.Publish(events.RoomAdmin, &events.Event{
		Type:  events.EvtTimerUpdate,
		Timer: update,
	}); err != nil {
		s.logger.Error("failed to publish timer update", "error", err)
	}
}

// runScheduled executes one full scheduled pass: text batch, then image
// batch, then an alert if anything was flagged. A tick arriving while a
// previous pass is still running is dropped; the return value reports
// whether a pass actually ran.
func (s *Scanner) runScheduled(ctx context.Context) bool {
	if !s.scanning.CompareAndSwap(false, true) {
		scansSkipped.Inc()
		s.logger.Warn("previous scan still running, skipping tick")
		return false
	}
	defer s.scanning.Store(false)

	ctx, span := tracer.Start(ctx, "scheduledScan")
	defer span.End()

	scansRun.Inc()
	start := time.Now()
	s.logger.Info("starting scheduled moderation scan")

	if err := s.evts.Publish(events.RoomAdmin, &events.Event{
		Type: events.EvtScanStarted,
		Scan: &events.ScanStarted{
			Timestamp: time.Now().UTC(),
			Message:   "Automated content moderation scan started",
		},
	}); err != nil {
		s.logger.Error("failed to publish scan start", "error", err)
	}

	var total ScanResult

	textRes, err := s.ScanTexts(ctx)
	if err != nil && !errors.Is(err, ErrScanBusy) {
		s.logger.Error("text scan failed", "error", err)
	} else if err == nil {
		total.add(*textRes)
	}

	imageRes, err := s.ScanImages(ctx)
	if err != nil && !errors.Is(err, ErrScanBusy) {
		s.logger.Error("image scan failed", "error", err)
	} else if err == nil {
		total.add(*imageRes)
	}

	if total.flagged() > 0 {
		if err := s.evts.Publish(events.RoomAdmin, &events.Event{
			Type: events.EvtModerationAlert,
			Alert: &events.ScanAlert{
				Timestamp:      time.Now().UTC(),
				ToxicPosts:     total.Toxic,
				DeepfakeImages: total.Deepfakes,
				Total:          total.flagged(),
			},
		}); err != nil {
			s.logger.Error("failed to publish moderation alert", "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("processed", total.Processed),
		attribute.Int("toxic", total.Toxic),
		attribute.Int("deepfakes", total.Deepfakes),
	)

	scanDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("scheduled moderation scan completed",
		"processed", total.Processed,
		"toxic", total.Toxic,
		"deepfakes", total.Deepfakes,
		"duration", time.Since(start))
	return true
}

// ScanTexts classifies every eligible text post for toxicity. A classifier
// failure on one item is logged and skipped without aborting the batch.
func (s *Scanner) ScanTexts(ctx context.Context) (*ScanResult, error) {
	if !s.textBusy.CompareAndSwap(false, true) {
		return nil, ErrScanBusy
	}
	defer s.textBusy.Store(false)

	ctx, span := tracer.Start(ctx, "scanTexts")
	defer span.End()

	candidates, err := s.store.ListScanCandidates(ctx, models.PostKindText)
	if err != nil {
		return nil, err
	}

	res := &ScanResult{Processed: len(candidates)}
	for i := range candidates {
		post := &candidates[i]
		flagged, err := s.classifyItem(ctx, post, func(ctx context.Context) (bool, error) {
			return s.classifier.CheckText(ctx, post.Content)
		})
		if err != nil {
			s.logger.Warn("could not classify text post", "postID", post.ID, "error", err)
			continue
		}
		if flagged {
			res.Toxic++
		}
	}
	return res, nil
}

// ScanImages classifies every eligible image post for deepfakes.
func (s *Scanner) ScanImages(ctx context.Context) (*ScanResult, error) {
	if !s.imageBusy.CompareAndSwap(false, true) {
		return nil, ErrScanBusy
	}
	defer s.imageBusy.Store(false)

	ctx, span := tracer.Start(ctx, "scanImages")
	defer span.End()

	candidates, err := s.store.ListScanCandidates(ctx, models.PostKindImage)
	if err != nil {
		return nil, err
	}

	res := &ScanResult{Processed: len(candidates)}
	for i := range candidates {
		post := &candidates[i]
		flagged, err := s.classifyItem(ctx, post, func(ctx context.Context) (bool, error) {
			return s.classifier.CheckImageURL(ctx, post.Content)
		})
		if err != nil {
			s.logger.Warn("could not classify image post", "postID", post.ID, "error", err)
			continue
		}
		if flagged {
			res.Deepfakes++
		}
	}
	return res, nil
}

// ScanAll runs the text and image batches back to back, as triggered by the
// admin "Moderate All" action.
func (s *Scanner) ScanAll(ctx context.Context) (*ScanResult, error) {
	textRes, err := s.ScanTexts(ctx)
	if err != nil {
		return nil, err
	}
	imageRes, err := s.ScanImages(ctx)
	if err != nil {
		return nil, err
	}
	total := &ScanResult{}
	total.add(*textRes)
	total.add(*imageRes)
	return total, nil
}

// classifyItem runs one bounded classifier call and, on a positive verdict,
// persists the under-review flag and publishes the review event.
func (s *Scanner) classifyItem(ctx context.Context, post *models.Post, check func(context.Context) (bool, error)) (bool, error) {
	ctx, span := tracer.Start(ctx, "classifyItem")
	span.SetAttributes(
		attribute.String("postID", post.ID),
		attribute.String("kind", string(post.Kind)),
	)
	defer span.End()

	if _, ok := s.cleanVerdicts.Get(post.ID); ok {
		return false, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}

	itemCtx, cancel := context.WithTimeout(ctx, s.itemTimeout)
	defer cancel()

	classifierCalls.Inc()
	positive, err := check(itemCtx)
	if err != nil {
		classifierErrors.Inc()
		return false, err
	}

	if !positive {
		s.cleanVerdicts.Add(post.ID, struct{}{})
		return false, nil
	}

	if err := s.store.SetUnderReview(ctx, post.ID, true); err != nil {
		return false, err
	}
	postsFlagged.WithLabelValues(string(post.Kind)).Inc()
	s.logger.Info("flagged post for review", "postID", post.ID, "kind", post.Kind)

	if err := s.evts.PublishAll(events.PostReviewed(post.ID)); err != nil {
		s.logger.Error("failed to publish post reviewed", "postID", post.ID, "error", err)
	}
	return true, nil
}
