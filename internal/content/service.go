// Package content serves the AI generation features: bio radar analysis,
// image prompts, ad copy, and ebook outlines.
//
// Every operation runs the same shape: authorize against the credit gate,
// do the expensive generation, then settle. Credits are only debited for
// work that was actually delivered; a failed generation costs nothing.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/glowdesk/glowdesk/internal/cache"
	"github.com/glowdesk/glowdesk/internal/credits"
	"github.com/glowdesk/glowdesk/internal/llm"
	"github.com/glowdesk/glowdesk/internal/plans"
	"github.com/glowdesk/glowdesk/internal/traces"
	"github.com/glowdesk/glowdesk/internal/usage"
)

// bioRadarTTL is how long an identical bio's analysis stays free.
const bioRadarTTL = 15 * time.Minute

// CreditNotifier pushes balance changes to connected dashboard clients.
type CreditNotifier interface {
	NotifyCredits(tenantID string, remaining int)
}

// Result is a completed generation plus its billing outcome.
type Result struct {
	Operation        plans.Operation `json:"operation"`
	Content          string          `json:"content"`
	Cached           bool            `json:"cached"`
	CreditsRemaining int             `json:"creditsRemaining"`
}

// Service executes metered generation operations.
type Service struct {
	gate      *credits.Gate
	generator llm.Generator
	cache     *cache.Cache
	recorder  *usage.Recorder
	notifier  CreditNotifier
}

// NewService creates the content service. notifier may be nil.
func NewService(gate *credits.Gate, generator llm.Generator, c *cache.Cache, recorder *usage.Recorder, notifier CreditNotifier) *Service {
	return &Service{
		gate:      gate,
		generator: generator,
		cache:     c,
		recorder:  recorder,
		notifier:  notifier,
	}
}

// run is the authorize → generate → settle pipeline shared by all
// operations.
func (s *Service) run(ctx context.Context, tenantID string, op plans.Operation, req llm.Request) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "content.generate",
		traces.TenantID(tenantID), traces.Operation(string(op)))
	defer span.End()

	decision, err := s.gate.Authorize(ctx, tenantID, op)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(traces.CreditCost(decision.Cost), traces.Plan(string(decision.Plan)))

	resp, err := s.generator.Generate(ctx, req)
	if err != nil {
		// Nothing was delivered; nothing is debited.
		span.RecordError(err)
		return nil, err
	}

	remaining, err := s.gate.Settle(ctx, tenantID, op)
	if err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, tenantID, op, decision.Cost)
	if s.notifier != nil {
		s.notifier.NotifyCredits(tenantID, remaining)
	}

	return &Result{
		Operation:        op,
		Content:          resp.Text,
		CreditsRemaining: remaining,
	}, nil
}

// BioRadar analyses an Instagram bio. Identical bios within the cache TTL
// are served from cache and do not consume a credit; concurrent requests
// for the same bio share a single generation, and only the caller that
// actually generated settles.
func (s *Service) BioRadar(ctx context.Context, tenantID, bio string) (*Result, error) {
	decision, err := s.gate.Authorize(ctx, tenantID, plans.OpBioRadar)
	if err != nil {
		return nil, err
	}

	var generated *Result
	v, hit, err := s.cache.GetOrCompute(ctx, bioRadarKey(tenantID, bio), bioRadarTTL,
		func(ctx context.Context) (any, error) {
			res, err := s.run(ctx, tenantID, plans.OpBioRadar, llm.Request{
				System: "You are a social media consultant for estheticians and beauty clinics. Analyse Instagram bios for clarity, positioning, and conversion.",
				Prompt: fmt.Sprintf("Analyse this Instagram bio and suggest concrete improvements:\n\n%s", bio),
			})
			if err != nil {
				return nil, err
			}
			generated = res
			return res.Content, nil
		})
	if err != nil {
		return nil, err
	}
	if hit || generated == nil {
		// Served from cache, or another caller's in-flight generation:
		// authorized but never settled, so no credit is consumed.
		return &Result{
			Operation:        plans.OpBioRadar,
			Content:          v.(string),
			Cached:           true,
			CreditsRemaining: decision.Remaining,
		}, nil
	}
	return generated, nil
}

// ImagePrompt generates a photo-shoot prompt for post imagery.
func (s *Service) ImagePrompt(ctx context.Context, tenantID, description string) (*Result, error) {
	return s.run(ctx, tenantID, plans.OpImagePrompt, llm.Request{
		System: "You write detailed photography prompts for beauty and aesthetics content.",
		Prompt: fmt.Sprintf("Write an image generation prompt for: %s", description),
	})
}

// AdCopy generates ad copy for a treatment or promotion.
func (s *Service) AdCopy(ctx context.Context, tenantID, product, audience, tone string) (*Result, error) {
	if audience == "" {
		audience = "local clients interested in aesthetic treatments"
	}
	if tone == "" {
		tone = "professional and warm"
	}
	return s.run(ctx, tenantID, plans.OpAdCopy, llm.Request{
		System:    "You are a paid-social copywriter for beauty clinics.",
		Prompt:    fmt.Sprintf("Write ad copy for %q aimed at %s. Tone: %s. Include a headline, body, and call to action.", product, audience, tone),
		MaxTokens: 800,
	})
}

// Ebook generates a lead-magnet ebook draft on the given topic.
func (s *Service) Ebook(ctx context.Context, tenantID, topic string, chapters int) (*Result, error) {
	if chapters <= 0 || chapters > 12 {
		chapters = 6
	}
	return s.run(ctx, tenantID, plans.OpEbook, llm.Request{
		System:    "You are a ghostwriter producing lead-magnet ebooks for aesthetics professionals.",
		Prompt:    fmt.Sprintf("Write a %d-chapter ebook draft titled around %q, with an introduction and per-chapter content.", chapters, topic),
		MaxTokens: 4000,
	})
}

func bioRadarKey(tenantID, bio string) string {
	sum := sha256.Sum256([]byte(bio))
	return "bioradar:" + tenantID + ":" + hex.EncodeToString(sum[:8])
}
