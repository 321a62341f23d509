// Package validate checks generated source for syntax errors.
//
// Each language has one Checker registered by name. Languages without a
// checker get a structural bracket-balance check, which can prove a source
// invalid but never valid.
package validate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/logging"
	"github.com/blackcoderx/forge/pkg/model"
)

// Result is the verdict on one source text.
type Result struct {
	Status model.ValidationStatus
	Reason string
	// Line and Column locate the first problem, 1-based. Zero when unknown.
	Line   int
	Column int
}

func valid() Result { return Result{Status: model.Valid} }

func invalidAt(line, col int, format string, args ...any) Result {
	return Result{
		Status: model.Invalid,
		Reason: fmt.Sprintf("line %d, column %d: %s", line, col, fmt.Sprintf(format, args...)),
		Line:   line,
		Column: col,
	}
}

// Checker inspects source for one language.
type Checker func(ctx context.Context, src []byte) Result

// Validator dispatches to the checker registered for a language.
type Validator struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	log      *zap.Logger
}

// New returns a Validator with the built-in tree-sitter checkers.
func New(logger *zap.Logger) *Validator {
	v := &Validator{
		checkers: make(map[string]Checker),
		log:      logging.OrNop(logger),
	}
	v.Register("curl", treeSitterChecker(bashLanguage))
	v.Register("python", treeSitterChecker(pythonLanguage))
	v.Register("javascript", treeSitterChecker(javascriptLanguage))
	v.Register("go", checkGo)
	return v
}

// Register sets the checker for language, replacing any existing one.
func (v *Validator) Register(language string, c Checker) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.checkers[language] = c
}

// Languages returns the languages with a registered checker.
func (v *Validator) Languages() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.checkers))
	for l := range v.checkers {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Validate checks source written in language.
func (v *Validator) Validate(ctx context.Context, source, language string) Result {
	v.mu.RLock()
	check, ok := v.checkers[language]
	v.mu.RUnlock()

	var res Result
	if ok {
		res = check(ctx, []byte(source))
	} else {
		res = Structural(source)
		if res.Status == model.Unverified {
			res.Reason = fmt.Sprintf("no syntax checker for %s; brackets balanced", language)
		}
	}

	v.log.Debug("validated source",
		zap.String("language", language),
		zap.String("status", string(res.Status)),
		zap.String("reason", res.Reason))
	return res
}
