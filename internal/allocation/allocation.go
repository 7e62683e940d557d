// Package allocation fetches and validates the Agora per-project token
// allocations.
package allocation

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/gjson"
)

// ErrInvalid wraps every schema or mapping problem in an allocations payload.
var ErrInvalid = errors.New("invalid allocations")

// Record is one project entry as the Agora API sends it.
type Record struct {
	ProjectID    string   `json:"projectId"`
	ProjectName  string   `json:"projectName"`
	KYCCompleted bool     `json:"KYCStatusCompleted"`
	Wallets      []string `json:"wallets"`
	Amounts      []string `json:"amounts"`
}

// Project is a validated allocation. Wallets run oldest to newest and
// Amounts[i] is the wei amount for tranche i+1.
type Project struct {
	ID           string           `json:"projectId"`
	Name         string           `json:"projectName"`
	KYCCompleted bool             `json:"kycCompleted"`
	Wallets      []common.Address `json:"wallets"`
	Amounts      []*big.Int       `json:"amounts"`
}

// CurrentWallet is the receiver new schedules go to.
func (p Project) CurrentWallet() common.Address {
	return p.Wallets[len(p.Wallets)-1]
}

// PreviousWallets are the wallets the project migrated away from.
func (p Project) PreviousWallets() []common.Address {
	return p.Wallets[:len(p.Wallets)-1]
}

// Owns reports whether addr is any of the project's wallets.
func (p Project) Owns(addr common.Address) bool {
	for _, w := range p.Wallets {
		if w == addr {
			return true
		}
	}
	return false
}

// Problem is one validation failure.
type Problem struct {
	ProjectID string `json:"projectId,omitempty"`
	Index     int    `json:"index"`
	Message   string `json:"message"`
}

// ValidationError lists every problem found in a payload.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		label := p.ProjectID
		if label == "" {
			label = fmt.Sprintf("#%d", p.Index)
		}
		parts = append(parts, label+": "+p.Message)
	}
	return fmt.Sprintf("%s: %s", ErrInvalid, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// Parse decodes body, optionally selecting the array at a gjson path, and
// validates it.
func Parse(body []byte, path string, maxTranches int) ([]Project, error) {
	records, err := Decode(body, path)
	if err != nil {
		return nil, err
	}
	return Validate(records, maxTranches)
}

// Decode reads the raw records without validating them. Amounts may be
// JSON strings or integer literals.
func Decode(body []byte, path string) ([]Record, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrInvalid)
	}
	root := gjson.ParseBytes(body)
	if path != "" {
		root = gjson.GetBytes(body, path)
		if !root.Exists() {
			return nil, fmt.Errorf("%w: path %q not found", ErrInvalid, path)
		}
	}
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: expected an array of projects", ErrInvalid)
	}

	var (
		records  []Record
		problems []Problem
	)
	for i, item := range root.Array() {
		if !item.IsObject() {
			problems = append(problems, Problem{Index: i, Message: "entry is not an object"})
			continue
		}
		rec := Record{
			ProjectID:    strings.TrimSpace(item.Get("projectId").String()),
			ProjectName:  item.Get("projectName").String(),
			KYCCompleted: item.Get("KYCStatusCompleted").Bool(),
		}
		wallets := item.Get("wallets")
		if wallets.Exists() && !wallets.IsArray() {
			problems = append(problems, Problem{ProjectID: rec.ProjectID, Index: i, Message: "wallets is not an array"})
			continue
		}
		for _, w := range wallets.Array() {
			rec.Wallets = append(rec.Wallets, strings.TrimSpace(w.String()))
		}
		amounts := item.Get("amounts")
		if amounts.Exists() && !amounts.IsArray() {
			problems = append(problems, Problem{ProjectID: rec.ProjectID, Index: i, Message: "amounts is not an array"})
			continue
		}
		for _, a := range amounts.Array() {
			if a.Type == gjson.Number {
				rec.Amounts = append(rec.Amounts, a.Raw)
				continue
			}
			rec.Amounts = append(rec.Amounts, strings.TrimSpace(a.String()))
		}
		records = append(records, rec)
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return records, nil
}

// Validate checks project ids, wallets and amounts and converts records to
// projects. maxTranches <= 0 skips the amounts length check.
func Validate(records []Record, maxTranches int) ([]Project, error) {
	var problems []Problem
	fail := func(i int, rec Record, format string, args ...any) {
		problems = append(problems, Problem{ProjectID: rec.ProjectID, Index: i, Message: fmt.Sprintf(format, args...)})
	}

	seenIDs := make(map[string]int, len(records))
	walletOwner := make(map[common.Address]string)
	projects := make([]Project, 0, len(records))

	for i, rec := range records {
		if rec.ProjectID == "" {
			fail(i, rec, "projectId is empty")
		} else if first, dup := seenIDs[rec.ProjectID]; dup {
			fail(i, rec, "duplicate projectId (first at #%d)", first)
		} else {
			seenIDs[rec.ProjectID] = i
		}

		p := Project{ID: rec.ProjectID, Name: rec.ProjectName, KYCCompleted: rec.KYCCompleted}

		if len(rec.Wallets) == 0 {
			fail(i, rec, "no wallets")
		}
		for _, raw := range rec.Wallets {
			if !common.IsHexAddress(raw) {
				fail(i, rec, "wallet %q is not an address", raw)
				continue
			}
			addr := common.HexToAddress(raw)
			if addr == (common.Address{}) {
				fail(i, rec, "wallet is the zero address")
				continue
			}
			if owner, taken := walletOwner[addr]; taken {
				if owner == rec.ProjectID {
					fail(i, rec, "wallet %s listed twice", addr.Hex())
				} else {
					fail(i, rec, "wallet %s already belongs to project %s", addr.Hex(), owner)
				}
				continue
			}
			walletOwner[addr] = rec.ProjectID
			p.Wallets = append(p.Wallets, addr)
		}

		if maxTranches > 0 && len(rec.Amounts) > maxTranches {
			fail(i, rec, "%d amounts for %d tranches", len(rec.Amounts), maxTranches)
		}
		for n, raw := range rec.Amounts {
			amount, ok := parseAmount(raw)
			if !ok {
				fail(i, rec, "amount %d (%q) is not a non-negative integer", n+1, raw)
				continue
			}
			p.Amounts = append(p.Amounts, amount)
		}
		projects = append(projects, p)
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return projects, nil
}

func parseAmount(raw string) (*big.Int, bool) {
	if raw == "" {
		return nil, false
	}
	for _, c := range raw {
		if c < '0' || c > '9' {
			return nil, false
		}
	}
	return new(big.Int).SetString(raw, 10)
}
