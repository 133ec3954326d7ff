package services

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/rules"
	"github.com/relaymesh/relayd/pkg/store"
)

// RuleTestResult is the dry-run outcome of running one rule against a
// sample text.
type RuleTestResult struct {
	Original    string   `json:"original"`
	Transformed string   `json:"transformed"`
	Matches     []string `json:"matches"`
}

// RegexRuleService manages user-authored transforms. Rules scoped to a
// mapping bump that mapping's version on every change; user-global rules
// flush the owner's whole policy cache instead.
type RegexRuleService struct {
	backend store.Backend
	engine  *rules.Engine
}

// NewRegexRuleService creates a new RegexRuleService.
func NewRegexRuleService(backend store.Backend, engine *rules.Engine) *RegexRuleService {
	return &RegexRuleService{backend: backend, engine: engine}
}

// Create stores a new rule. The pattern must compile under the rule's case
// mode; a mapping-scoped rule must target a mapping the user owns.
func (s *RegexRuleService) Create(ctx context.Context, r *models.RegexRule) (*models.RegexRule, error) {
	if err := validateRule(r); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rule := &models.RegexRule{
		ID:            models.NewID(),
		UserID:        r.UserID,
		MappingID:     r.MappingID,
		Name:          r.Name,
		Pattern:       r.Pattern,
		Replacement:   r.Replacement,
		Kind:          r.Kind,
		OrderIndex:    r.OrderIndex,
		CaseSensitive: r.CaseSensitive,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		if _, err := store.Users.Get(tx, rule.UserID); err != nil {
			return err
		}
		if rule.MappingID != "" {
			m, err := store.Mappings.Get(tx, rule.MappingID)
			if err != nil {
				return err
			}
			if m.UserID != rule.UserID {
				return NewValidationError("mapping_id", "not owned by user")
			}
			if err := bumpMappingTx(tx, rule.MappingID); err != nil {
				return err
			}
		}
		return store.RegexRules.Insert(tx, rule)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, rule)
	return rule, nil
}

// Get returns one rule by id.
func (s *RegexRuleService) Get(ctx context.Context, id string) (*models.RegexRule, error) {
	var rule *models.RegexRule
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		rule, err = store.RegexRules.Get(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// List returns a user's rules; mappingID narrows to one mapping's scoped
// rules.
func (s *RegexRuleService) List(ctx context.Context, userID, mappingID string) ([]*models.RegexRule, error) {
	var out []*models.RegexRule
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		switch {
		case mappingID != "":
			out, err = store.RegexRules.ByIndex(tx, store.IndexByMapping, mappingID)
		case userID != "":
			out, err = store.RegexRules.ByIndex(tx, store.IndexByUser, userID)
		default:
			out, err = store.RegexRules.List(tx)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update replaces the mutable fields of a rule. The scope (user, mapping)
// is fixed at creation.
func (s *RegexRuleService) Update(ctx context.Context, id string, upd *models.RegexRule) (*models.RegexRule, error) {
	if upd.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if err := validatePattern(upd.Pattern, upd.CaseSensitive); err != nil {
		return nil, err
	}
	if !upd.Kind.IsValid() {
		return nil, NewValidationError("kind", fmt.Sprintf("unknown rule kind %q", upd.Kind))
	}

	var rule *models.RegexRule
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		var err error
		rule, err = store.RegexRules.Update(tx, id, func(cur *models.RegexRule) error {
			cur.Name = upd.Name
			cur.Pattern = upd.Pattern
			cur.Replacement = upd.Replacement
			cur.Kind = upd.Kind
			cur.OrderIndex = upd.OrderIndex
			cur.CaseSensitive = upd.CaseSensitive
			cur.Active = upd.Active
			cur.UpdatedAt = time.Now().UTC()
			return nil
		})
		if err != nil {
			return err
		}
		if rule.MappingID != "" {
			return bumpMappingTx(tx, rule.MappingID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, rule)
	return rule, nil
}

// Delete removes a rule.
func (s *RegexRuleService) Delete(ctx context.Context, id string) error {
	var rule *models.RegexRule
	err := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		var err error
		rule, err = store.RegexRules.Get(tx, id)
		if err != nil {
			return err
		}
		if rule.MappingID != "" {
			if err := bumpMappingTx(tx, rule.MappingID); err != nil {
				return err
			}
		}
		return store.RegexRules.Delete(tx, id)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, rule)
	return nil
}

// Test runs a stored rule against sample text without touching any
// message. The dry run is journalled with the test status so it shows up
// in the log listing.
func (s *RegexRuleService) Test(ctx context.Context, id, text string) (*RuleTestResult, error) {
	if text == "" {
		return nil, NewValidationError("text", "required")
	}
	rule, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	transformed, matches, err := rules.ApplyRule(rule, text)
	if err != nil {
		return nil, NewValidationError("pattern", err.Error())
	}

	logErr := store.WithRetry(ctx, s.backend, func(tx store.Tx) error {
		return store.ForwardingLogs.Insert(tx, &models.ForwardingLog{
			ID:            models.NewID(),
			MappingID:     rule.MappingID,
			OriginalText:  text,
			ProcessedText: transformed,
			Status:        models.LogStatusTest,
			CreatedAt:     time.Now().UTC(),
		})
	})
	if logErr != nil {
		return nil, logErr
	}

	return &RuleTestResult{Original: text, Transformed: transformed, Matches: matches}, nil
}

func (s *RegexRuleService) invalidate(ctx context.Context, rule *models.RegexRule) {
	if rule.MappingID != "" {
		s.engine.Invalidate(rule.MappingID)
		return
	}
	// Global rules feed every mapping of the owner.
	_ = s.engine.InvalidateUser(ctx, rule.UserID)
}

func validateRule(r *models.RegexRule) error {
	if r.UserID == "" {
		return NewValidationError("user_id", "required")
	}
	if r.Name == "" {
		return NewValidationError("name", "required")
	}
	if r.Kind == "" || !r.Kind.IsValid() {
		return NewValidationError("kind", fmt.Sprintf("unknown rule kind %q", r.Kind))
	}
	return validatePattern(r.Pattern, r.CaseSensitive)
}

func validatePattern(pattern string, caseSensitive bool) error {
	if pattern == "" {
		return NewValidationError("pattern", "required")
	}
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return NewValidationError("pattern", err.Error())
	}
	return nil
}
