package classify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"SmartBillBook/internal/config"
)

// Suggestion is one classification answer with its provenance.
type Suggestion struct {
	CategoryID   int64   `json:"category_id"`
	CategoryName string  `json:"category_name,omitempty"`
	Confidence   float64 `json:"confidence"`
	Source       string  `json:"source"` // exact / fuzzy / rule / none
}

// MerchantMapping mirrors the merchant_category_mappings table. The success
// and failure counters track how the mapping fared when suggested.
type MerchantMapping struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	MerchantName string    `json:"merchant_name"`
	CategoryID   int64     `json:"category_id"`
	Confidence   float64   `json:"confidence"`
	Frequency    int       `json:"frequency"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	Source       string    `json:"source"` // learned / confirmed / user_input / user_behavior
	UpdatedAt    time.Time `json:"updated_at"`
}

// Stats is the learning health snapshot for one user.
type Stats struct {
	Mappings        int     `json:"mapping_count"`
	AvgConfidence   float64 `json:"avg_confidence"`
	HighConfidence  int     `json:"high_confidence_count"`
	FeedbackEvents  int     `json:"feedback_count"`
	LastLearnedAt   *string `json:"last_learned_at,omitempty"`
	RuleCategories  int     `json:"rule_category_count"`
}

// Engine is the merchant classification engine: learned mappings first,
// fuzzy history second, static keyword rules last.
type Engine struct {
	pool *pgxpool.Pool
}

func NewEngine(pool *pgxpool.Pool) *Engine {
	return &Engine{pool: pool}
}

// SuggestCategory resolves a category for a merchant. The confidence ladder:
// exact learned mapping at >= 0.8, fuzzy learned mapping at >= 0.6, then the
// static rules. Implements the importer's Categorizer contract.
func (e *Engine) SuggestCategory(ctx context.Context, userID int64, merchantName, direction string, amount decimal.Decimal) (int64, float64, error) {
	s, err := e.Suggest(ctx, userID, merchantName, "", direction)
	if err != nil {
		return 0, 0, err
	}
	if s.Source == "none" {
		return 0, 0, fmt.Errorf("no category suggestion for %q", merchantName)
	}
	return s.CategoryID, s.Confidence, nil
}

func (e *Engine) Suggest(ctx context.Context, userID int64, merchantName, description, direction string) (*Suggestion, error) {
	if merchantName == "" {
		return &Suggestion{Source: "none"}, nil
	}

	var categoryID int64
	var confidence float64
	err := e.pool.QueryRow(ctx, `
		SELECT category_id, confidence
		FROM merchant_category_mappings
		WHERE user_id = $1 AND merchant_name = $2 AND confidence >= $3
		ORDER BY confidence DESC, success_count DESC, frequency DESC
		LIMIT 1`,
		userID, merchantName, config.ExactMatchConfidence,
	).Scan(&categoryID, &confidence)
	if err == nil {
		return e.withName(ctx, &Suggestion{CategoryID: categoryID, Confidence: confidence, Source: "exact"})
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("exact mapping lookup: %w", err)
	}

	err = e.pool.QueryRow(ctx, `
		SELECT category_id, confidence
		FROM merchant_category_mappings
		WHERE user_id = $1
		  AND (merchant_name ILIKE '%' || $2 || '%' OR $2 ILIKE '%' || merchant_name || '%')
		  AND confidence >= $3
		ORDER BY confidence DESC, success_count DESC, frequency DESC
		LIMIT 1`,
		userID, merchantName, config.FuzzyMatchConfidence,
	).Scan(&categoryID, &confidence)
	if err == nil {
		return e.withName(ctx, &Suggestion{CategoryID: categoryID, Confidence: confidence, Source: "fuzzy"})
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("fuzzy mapping lookup: %w", err)
	}

	if match := MatchRules(merchantName, description, direction); match != nil {
		id, err := e.resolveCategoryName(ctx, userID, match.CategoryName)
		if err != nil {
			return nil, err
		}
		if id != 0 {
			return &Suggestion{CategoryID: id, CategoryName: match.CategoryName,
				Confidence: match.Confidence, Source: "rule"}, nil
		}
	}
	return &Suggestion{Source: "none"}, nil
}

func (e *Engine) withName(ctx context.Context, s *Suggestion) (*Suggestion, error) {
	var name string
	err := e.pool.QueryRow(ctx,
		`SELECT name FROM categories WHERE id = $1`, s.CategoryID).Scan(&name)
	if err == nil {
		s.CategoryName = name
	}
	return s, nil
}

// resolveCategoryName maps a rule category name onto the user's category id,
// preferring the user's own over system categories.
func (e *Engine) resolveCategoryName(ctx context.Context, userID int64, name string) (int64, error) {
	var id int64
	err := e.pool.QueryRow(ctx, `
		SELECT id FROM categories
		WHERE name = $1 AND (user_id = $2 OR user_id IS NULL)
		ORDER BY user_id NULLS LAST
		LIMIT 1`,
		name, userID).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve category %q: %w", name, err)
	}
	return id, nil
}

// Confirm reinforces a mapping after the user accepts a suggestion:
// confidence +0.10 capped at the ceiling, frequency and success count +1.
// Creates the mapping when the suggestion came from the static rules. The
// feedback record keeps the confidence before and after for audit.
func (e *Engine) Confirm(ctx context.Context, userID int64, merchantName string, categoryID int64) error {
	var before, after float64
	err := e.pool.QueryRow(ctx, `
		SELECT confidence FROM merchant_category_mappings
		WHERE user_id = $1 AND merchant_name = $2 AND category_id = $3`,
		userID, merchantName, categoryID).Scan(&before)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("confirm lookup: %w", err)
	}

	if err == pgx.ErrNoRows {
		after = config.LearnedConfidence
		if err := e.upsertMapping(ctx, userID, merchantName, categoryID,
			after, "confirmed"); err != nil {
			return err
		}
	} else {
		err = e.pool.QueryRow(ctx, `
			UPDATE merchant_category_mappings
			SET confidence = LEAST(confidence + $1, $2),
			    frequency = frequency + 1,
			    success_count = success_count + 1,
			    source = 'confirmed',
			    updated_at = NOW()
			WHERE user_id = $3 AND merchant_name = $4 AND category_id = $5
			RETURNING confidence`,
			config.ConfirmConfidenceStep, config.ConfidenceCeiling,
			userID, merchantName, categoryID).Scan(&after)
		if err != nil {
			return fmt.Errorf("confirm mapping: %w", err)
		}
	}
	return e.recordFeedback(ctx, userID, merchantName, 0, categoryID, "confirm", before, after)
}

// Correct records that the user replaced a suggested category: the wrong
// mapping loses confidence down to the floor and takes a failure count, the
// corrected category is learned. The feedback record tracks the penalized
// mapping's confidence move when one existed, otherwise the newly learned
// confidence.
func (e *Engine) Correct(ctx context.Context, userID int64, merchantName string, oldCategoryID, newCategoryID int64) error {
	var before, after float64
	if oldCategoryID != 0 {
		err := e.pool.QueryRow(ctx, `
			SELECT confidence FROM merchant_category_mappings
			WHERE user_id = $1 AND merchant_name = $2 AND category_id = $3`,
			userID, merchantName, oldCategoryID).Scan(&before)
		if err != nil && err != pgx.ErrNoRows {
			return fmt.Errorf("correct lookup: %w", err)
		}
		if err == nil {
			err = e.pool.QueryRow(ctx, `
				UPDATE merchant_category_mappings
				SET confidence = GREATEST(confidence - $1, $2),
				    failure_count = failure_count + 1,
				    updated_at = NOW()
				WHERE user_id = $3 AND merchant_name = $4 AND category_id = $5
				RETURNING confidence`,
				config.CorrectConfidenceStep, config.ConfidenceFloor,
				userID, merchantName, oldCategoryID).Scan(&after)
			if err != nil {
				return fmt.Errorf("penalize mapping: %w", err)
			}
		}
	}
	if err := e.upsertMapping(ctx, userID, merchantName, newCategoryID,
		config.LearnedConfidence, "learned"); err != nil {
		return err
	}
	if before == 0 && after == 0 {
		after = config.LearnedConfidence
	}
	return e.recordFeedback(ctx, userID, merchantName, oldCategoryID, newCategoryID, "correct", before, after)
}

// upsertMapping creates or bumps a mapping without lowering an existing
// confidence.
func (e *Engine) upsertMapping(ctx context.Context, userID int64, merchantName string, categoryID int64, confidence float64, source string) error {
	_, err := e.pool.Exec(ctx, `
		INSERT INTO merchant_category_mappings
			(user_id, merchant_name, category_id, confidence, frequency, source, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, NOW())
		ON CONFLICT (user_id, merchant_name, category_id) DO UPDATE
		SET confidence = GREATEST(merchant_category_mappings.confidence, EXCLUDED.confidence),
		    frequency = merchant_category_mappings.frequency + 1,
		    source = EXCLUDED.source,
		    updated_at = NOW()`,
		userID, merchantName, categoryID, confidence, source)
	if err != nil {
		return fmt.Errorf("upsert mapping: %w", err)
	}
	return nil
}

func (e *Engine) recordFeedback(ctx context.Context, userID int64, merchantName string, oldCategoryID, newCategoryID int64, action string, confidenceBefore, confidenceAfter float64) error {
	var oldID interface{}
	if oldCategoryID != 0 {
		oldID = oldCategoryID
	}
	_, err := e.pool.Exec(ctx, `
		INSERT INTO learning_records
			(user_id, merchant_name, old_category_id, new_category_id, action,
			 confidence_before, confidence_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		userID, merchantName, oldID, newCategoryID, action,
		confidenceBefore, confidenceAfter)
	if err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	return nil
}

// BatchLearn mines recent categorized transactions and promotes recurring
// merchant/category pairs into mappings at the learned confidence. Runs from
// the nightly job; returns the number of mappings written.
func (e *Engine) BatchLearn(ctx context.Context) (int, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT user_id, merchant_name, category_id, COUNT(*) AS freq
		FROM transactions
		WHERE merchant_name <> ''
		  AND category_id IS NOT NULL AND category_id <> 0
		  AND occurred_at >= NOW() - ($1 || ' days')::interval
		GROUP BY user_id, merchant_name, category_id
		HAVING COUNT(*) >= 2
		ORDER BY freq DESC
		LIMIT $2`,
		config.BatchLearnWindowDays, config.LearningBatchSize)
	if err != nil {
		return 0, fmt.Errorf("batch learn scan: %w", err)
	}
	defer rows.Close()

	type pair struct {
		userID     int64
		merchant   string
		categoryID int64
		freq       int
	}
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.userID, &p.merchant, &p.categoryID, &p.freq); err != nil {
			return 0, err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	learned := 0
	for _, p := range pairs {
		if err := e.upsertMapping(ctx, p.userID, p.merchant, p.categoryID,
			config.LearnedConfidence, "user_behavior"); err != nil {
			return learned, err
		}
		learned++
	}
	return learned, nil
}

func (e *Engine) GetStats(ctx context.Context, userID int64) (*Stats, error) {
	stats := &Stats{RuleCategories: len(expenseRules) + len(incomeRules)}
	err := e.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(AVG(confidence), 0),
		       COUNT(*) FILTER (WHERE confidence >= $2)
		FROM merchant_category_mappings
		WHERE user_id = $1`,
		userID, config.ExactMatchConfidence,
	).Scan(&stats.Mappings, &stats.AvgConfidence, &stats.HighConfidence)
	if err != nil {
		return nil, fmt.Errorf("mapping stats: %w", err)
	}

	var last *time.Time
	err = e.pool.QueryRow(ctx, `
		SELECT COUNT(*), MAX(created_at)
		FROM learning_records WHERE user_id = $1`,
		userID).Scan(&stats.FeedbackEvents, &last)
	if err != nil {
		return nil, fmt.Errorf("feedback stats: %w", err)
	}
	if last != nil {
		s := last.Format(time.RFC3339)
		stats.LastLearnedAt = &s
	}
	return stats, nil
}

// ListMappings exports a user's learned mappings, strongest first.
func (e *Engine) ListMappings(ctx context.Context, userID int64) ([]*MerchantMapping, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT id, user_id, merchant_name, category_id, confidence, frequency,
		       success_count, failure_count, source, updated_at
		FROM merchant_category_mappings
		WHERE user_id = $1
		ORDER BY confidence DESC, success_count DESC, frequency DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	mappings := []*MerchantMapping{}
	for rows.Next() {
		m := &MerchantMapping{}
		if err := rows.Scan(&m.ID, &m.UserID, &m.MerchantName, &m.CategoryID,
			&m.Confidence, &m.Frequency, &m.SuccessCount, &m.FailureCount,
			&m.Source, &m.UpdatedAt); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// ImportMappings loads externally curated merchant mappings at the import
// confidence, skipping entries whose category does not exist for the user.
func (e *Engine) ImportMappings(ctx context.Context, userID int64, entries []MappingImport) (int, error) {
	imported := 0
	for _, entry := range entries {
		if entry.MerchantName == "" || entry.CategoryID == 0 {
			continue
		}
		var exists bool
		err := e.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM categories
				WHERE id = $1 AND (user_id = $2 OR user_id IS NULL)
			)`, entry.CategoryID, userID).Scan(&exists)
		if err != nil {
			return imported, fmt.Errorf("check category: %w", err)
		}
		if !exists {
			continue
		}
		if err := e.upsertMapping(ctx, userID, entry.MerchantName,
			entry.CategoryID, config.MappingConfidence, "user_input"); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// MappingImport is one row of an external mapping import.
type MappingImport struct {
	MerchantName string `json:"merchant_name"`
	CategoryID   int64  `json:"category_id"`
}
