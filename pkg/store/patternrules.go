package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fineprintai/engine/pkg/errkind"
)

const patternRuleColumns = `id, name, version, category, severity, description, legal_basis,
	keywords, regex, embedding_id, jurisdictions, active, created_at`

// SavePatternRule persists one library entry. An unchanged definition is a
// no-op; a changed one gets version+1 with earlier versions retained but
// deactivated, so findings keep valid references to the rows that matched.
func (s *Store) SavePatternRule(ctx context.Context, rule PatternRule) (*PatternRule, error) {
	const op = "store.SavePatternRule"
	if rule.Name == "" {
		return nil, errkind.Errorf(errkind.BadRange, op, "pattern rule name is required")
	}

	var saved *PatternRule
	err := s.WithTx(ctx, func(tx *Tx) error {
		latest, err := latestPatternVersion(ctx, tx.tx, rule.Name)
		if err != nil && !errkind.Is(err, errkind.NotFound) {
			return err
		}

		if latest != nil && samePatternDefinition(latest, &rule) {
			if latest.Active == rule.Active {
				saved = latest
				return nil
			}
			_, err := tx.tx.ExecContext(ctx,
				`UPDATE pattern_rules SET active = $2 WHERE id = $1`, latest.ID, rule.Active)
			if err != nil {
				return errkind.E(errkind.Internal, op, err)
			}
			latest.Active = rule.Active
			saved = latest
			return nil
		}

		next := rule
		next.ID = uuid.New().String()
		next.Version = 1
		next.CreatedAt = s.clock()
		if latest != nil {
			next.Version = latest.Version + 1
			_, err := tx.tx.ExecContext(ctx,
				`UPDATE pattern_rules SET active = FALSE WHERE name = $1 AND version < $2`,
				next.Name, next.Version)
			if err != nil {
				return errkind.E(errkind.Internal, op, err)
			}
		}

		_, err = tx.tx.ExecContext(ctx, `INSERT INTO pattern_rules
			(id, name, version, category, severity, description, legal_basis,
			 keywords, regex, embedding_id, jurisdictions, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			next.ID, next.Name, next.Version, next.Category, next.Severity,
			next.Description, next.LegalBasis, pq.Array(next.Keywords), next.Regex,
			next.EmbeddingID, pq.Array(next.Jurisdictions), next.Active, next.CreatedAt)
		if isUniqueViolation(err, "pattern_rules_name_version_key") {
			return errkind.Errorf(errkind.Conflict, op,
				"pattern rule %q version %d saved concurrently", next.Name, next.Version)
		}
		if err != nil {
			return errkind.E(errkind.Internal, op, err)
		}
		saved = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// GetPatternRule fetches one rule version by id, active or not.
func (s *Store) GetPatternRule(ctx context.Context, id string) (*PatternRule, error) {
	const op = "store.GetPatternRule"
	row := s.db.QueryRowContext(ctx,
		`SELECT `+patternRuleColumns+` FROM pattern_rules WHERE id = $1`, id)
	rule, err := scanPatternRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "pattern rule", id)
	}
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return rule, nil
}

// ListActivePatternRules returns the live rule set ordered by name.
func (s *Store) ListActivePatternRules(ctx context.Context) ([]PatternRule, error) {
	const op = "store.ListActivePatternRules"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternRuleColumns+` FROM pattern_rules WHERE active ORDER BY name`)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []PatternRule
	for rows.Next() {
		rule, err := scanPatternRule(rows)
		if err != nil {
			return nil, errkind.E(errkind.Internal, op, err)
		}
		out = append(out, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return out, nil
}

func latestPatternVersion(ctx context.Context, db dbtx, name string) (*PatternRule, error) {
	const op = "store.latestPatternVersion"
	row := db.QueryRowContext(ctx, `SELECT `+patternRuleColumns+` FROM pattern_rules
		WHERE name = $1 ORDER BY version DESC LIMIT 1 FOR UPDATE`, name)
	rule, err := scanPatternRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "pattern rule", name)
	}
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return rule, nil
}

func samePatternDefinition(a, b *PatternRule) bool {
	if a.Category != b.Category || a.Severity != b.Severity ||
		a.Description != b.Description || a.LegalBasis != b.LegalBasis {
		return false
	}
	if !equalStrings(a.Keywords, b.Keywords) || !equalStrings(a.Jurisdictions, b.Jurisdictions) {
		return false
	}
	return equalStringPtr(a.Regex, b.Regex) && equalStringPtr(a.EmbeddingID, b.EmbeddingID)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func scanPatternRule(row rowScanner) (*PatternRule, error) {
	var rule PatternRule
	err := row.Scan(&rule.ID, &rule.Name, &rule.Version, &rule.Category, &rule.Severity,
		&rule.Description, &rule.LegalBasis, pq.Array(&rule.Keywords), &rule.Regex,
		&rule.EmbeddingID, pq.Array(&rule.Jurisdictions), &rule.Active, &rule.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}
