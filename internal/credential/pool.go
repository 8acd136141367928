// Package credential selects which upstream credential serves a request.
// Selection honors the load-balancing mode, cooldowns and a per-credential
// rate limit.
package credential

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/allaspectsdev/kirogate/internal/cooldown"
	"github.com/allaspectsdev/kirogate/internal/fingerprint"
)

var (
	// ErrNoCredential is returned when no credential can serve a request.
	ErrNoCredential = errors.New("no credential available")
	// ErrUnknownCredential is returned for IDs that are not configured.
	ErrUnknownCredential = errors.New("unknown credential")
	// ErrDuplicateCredential is returned by Add for an ID already in the pool.
	ErrDuplicateCredential = errors.New("duplicate credential")
)

// Mode decides how Acquire spreads requests over credentials.
type Mode string

const (
	// ModePriority exhausts the lowest priority tier before moving on,
	// rotating within a tier.
	ModePriority Mode = "priority"
	// ModeBalanced ignores priorities and rotates over every credential.
	ModeBalanced Mode = "balanced"
)

// ParseMode converts a config or API value into a Mode. Empty means
// ModePriority.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModePriority:
		return ModePriority, nil
	case ModeBalanced:
		return ModeBalanced, nil
	}
	return "", fmt.Errorf("unknown load balancing mode %q (want %s or %s)", s, ModePriority, ModeBalanced)
}

// UnavailableError reports why Acquire found nothing usable.
type UnavailableError struct {
	// Cooling is the number of credentials in cooldown.
	Cooling int
	// RetryIn is the shortest remaining cooldown, 0 if none is cooling.
	RetryIn time.Duration
}

func (e *UnavailableError) Error() string {
	if e.Cooling == 0 {
		return ErrNoCredential.Error()
	}
	return fmt.Sprintf("%s: %d cooling, next available in %s", ErrNoCredential, e.Cooling, e.RetryIn.Round(time.Second))
}

func (e *UnavailableError) Unwrap() error { return ErrNoCredential }

// Credential is a configured upstream account.
type Credential struct {
	ID        uint64
	Name      string
	SecretRef string
	// Seed feeds the fingerprint. Defaults to Name.
	Seed     string
	Priority int
	Disabled bool
	// Rate is the allowed requests per second; 0 means unlimited.
	Rate  float64
	Burst int
}

// Lease is a credential picked for one upstream attempt.
type Lease struct {
	ID          uint64
	Name        string
	Token       string
	Fingerprint fingerprint.Fingerprint
}

// TokenResolver turns a token reference into a token.
type TokenResolver interface {
	ResolveKeyRef(ref string) (string, error)
}

// Status describes a credential for the admin API.
type Status struct {
	ID        uint64         `json:"id"`
	Name      string         `json:"name"`
	Priority  int            `json:"priority"`
	Disabled  bool           `json:"disabled"`
	Available bool           `json:"available"`
	Cooldown  *cooldown.Info `json:"cooldown,omitempty"`
	OS        string         `json:"os"`
	IDE       string         `json:"ide_version"`
	MachineID string         `json:"machine_id"`
}

type slot struct {
	cred    Credential
	limiter *rate.Limiter
	token   string
}

// Pool hands out credentials. It is safe for concurrent use.
type Pool struct {
	cooldowns *cooldown.Manager
	resolver  TokenResolver
	fps       *fingerprint.Cache

	mu       sync.Mutex
	mode     Mode
	slots    []*slot
	cursor   map[int]int // priority -> next index within that tier
	balanced int         // next index over all slots in ModeBalanced
}

// NewPool creates a Pool over creds.
func NewPool(creds []Credential, cooldowns *cooldown.Manager, resolver TokenResolver, fps *fingerprint.Cache) *Pool {
	p := &Pool{
		cooldowns: cooldowns,
		resolver:  resolver,
		fps:       fps,
		mode:      ModePriority,
		cursor:    make(map[int]int),
	}
	p.Replace(creds)
	return p
}

// Replace swaps the configured credentials. Resolved tokens are kept for
// credentials whose ID and token reference did not change.
func (p *Pool) Replace(creds []Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replaceLocked(creds)
}

func (p *Pool) replaceLocked(creds []Credential) {
	old := make(map[uint64]*slot, len(p.slots))
	for _, s := range p.slots {
		old[s.cred.ID] = s
	}

	slots := make([]*slot, 0, len(creds))
	for _, c := range creds {
		if c.Seed == "" {
			c.Seed = c.Name
		}
		s := &slot{cred: c, limiter: newLimiter(c.Rate, c.Burst)}
		if prev, ok := old[c.ID]; ok && prev.cred.SecretRef == c.SecretRef {
			s.token = prev.token
		}
		slots = append(slots, s)
	}
	p.slots = slots
	p.sortLocked()
}

func newLimiter(r float64, burst int) *rate.Limiter {
	if r <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}

// Add appends a credential at runtime and clears any cooldown left over
// for its ID.
func (p *Pool) Add(c Credential) error {
	p.mu.Lock()
	if p.find(c.ID) != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrDuplicateCredential, c.ID)
	}
	p.replaceLocked(append(p.credentialsLocked(), c))
	p.mu.Unlock()

	p.cooldowns.ClearCooldown(c.ID)
	return nil
}

// Remove drops a credential at runtime along with its cooldown entry.
func (p *Pool) Remove(id uint64) error {
	p.mu.Lock()
	if p.find(id) == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownCredential, id)
	}
	creds := p.credentialsLocked()
	kept := creds[:0]
	for _, c := range creds {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	p.replaceLocked(kept)
	p.mu.Unlock()

	p.cooldowns.ClearCooldown(id)
	return nil
}

func (p *Pool) credentialsLocked() []Credential {
	creds := make([]Credential, len(p.slots))
	for i, s := range p.slots {
		creds[i] = s.cred
	}
	return creds
}

// Mode returns the current load-balancing mode.
func (p *Pool) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetMode switches the load-balancing mode. Rotation restarts from the
// first credential.
func (p *Pool) SetMode(m Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m == p.mode {
		return
	}
	p.mode = m
	p.cursor = make(map[int]int)
	p.balanced = 0
}

// Acquire returns the best usable credential not in exclude. In
// ModePriority lower priority values win and credentials of equal priority
// are rotated. In ModeBalanced every credential takes its turn.
func (p *Pool) Acquire(exclude map[uint64]bool) (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode == ModeBalanced {
		if lease, ok := p.acquireFrom(p.slots, &p.balanced, exclude); ok {
			return lease, nil
		}
		return Lease{}, p.unavailable(exclude)
	}

	for start := 0; start < len(p.slots); {
		prio := p.slots[start].cred.Priority
		end := start
		for end < len(p.slots) && p.slots[end].cred.Priority == prio {
			end++
		}
		next := p.cursor[prio]
		lease, ok := p.acquireFrom(p.slots[start:end], &next, exclude)
		p.cursor[prio] = next
		if ok {
			return lease, nil
		}
		start = end
	}
	return Lease{}, p.unavailable(exclude)
}

// acquireFrom tries slots in rotation order starting at *next and advances
// *next past the slot it hands out.
func (p *Pool) acquireFrom(slots []*slot, next *int, exclude map[uint64]bool) (Lease, bool) {
	n := len(slots)
	if n == 0 {
		return Lease{}, false
	}
	first := *next % n
	for i := 0; i < n; i++ {
		s := slots[(first+i)%n]
		c := s.cred
		if c.Disabled || exclude[c.ID] || !p.cooldowns.IsAvailable(c.ID) {
			continue
		}
		if s.token == "" {
			token, err := p.resolver.ResolveKeyRef(c.SecretRef)
			if err != nil {
				d := p.cooldowns.SetCooldown(c.ID, cooldown.TokenRefreshFailed)
				log.Warn().Err(err).
					Uint64("credential_id", c.ID).
					Str("credential", c.Name).
					Dur("cooldown", d).
					Msg("resolving credential token failed")
				continue
			}
			s.token = token
		}
		if !s.limiter.Allow() {
			continue
		}
		*next = (first + i + 1) % n
		return Lease{ID: c.ID, Name: c.Name, Token: s.token, Fingerprint: p.fps.Get(c.Seed)}, true
	}
	return Lease{}, false
}

func (p *Pool) unavailable(exclude map[uint64]bool) error {
	e := &UnavailableError{}
	for _, s := range p.slots {
		if s.cred.Disabled || exclude[s.cred.ID] {
			continue
		}
		if _, remaining, cooling := p.cooldowns.CheckCooldown(s.cred.ID); cooling {
			e.Cooling++
			if e.RetryIn == 0 || remaining < e.RetryIn {
				e.RetryIn = remaining
			}
		}
	}
	return e
}

// ReportFailure applies a cooldown to the credential and returns its length.
// A positive override replaces the computed backoff.
func (p *Pool) ReportFailure(id uint64, reason cooldown.Reason, override time.Duration) time.Duration {
	if reason == cooldown.AuthenticationFailed {
		p.forgetToken(id)
	}
	return p.cooldowns.SetCooldownWithDuration(id, reason, override)
}

// forgetToken drops a cached token so the next Acquire resolves it again.
func (p *Pool) forgetToken(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.find(id); s != nil {
		s.token = ""
	}
}

// SetDisabled enables or disables a credential at runtime.
func (p *Pool) SetDisabled(id uint64, disabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.find(id)
	if s == nil {
		return fmt.Errorf("%w: %d", ErrUnknownCredential, id)
	}
	s.cred.Disabled = disabled
	return nil
}

// SetPriority changes a credential's priority at runtime.
func (p *Pool) SetPriority(id uint64, priority int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.find(id)
	if s == nil {
		return fmt.Errorf("%w: %d", ErrUnknownCredential, id)
	}
	s.cred.Priority = priority
	p.sortLocked()
	return nil
}

func (p *Pool) find(id uint64) *slot {
	for _, s := range p.slots {
		if s.cred.ID == id {
			return s
		}
	}
	return nil
}

func (p *Pool) sortLocked() {
	sort.SliceStable(p.slots, func(i, j int) bool {
		a, b := p.slots[i].cred, p.slots[j].cred
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	p.cursor = make(map[int]int)
	p.balanced = 0
}

// Has reports whether a credential with id is configured.
func (p *Pool) Has(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.find(id) != nil
}

// Len returns the number of configured credentials.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Snapshot lists every credential with its cooldown state, in selection order.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	creds := p.credentialsLocked()
	p.mu.Unlock()

	active := make(map[uint64]cooldown.Info)
	for _, info := range p.cooldowns.AllCooldowns() {
		active[info.CredentialID] = info
	}

	out := make([]Status, len(creds))
	for i, c := range creds {
		fp := p.fps.Get(c.Seed)
		st := Status{
			ID:        c.ID,
			Name:      c.Name,
			Priority:  c.Priority,
			Disabled:  c.Disabled,
			Available: !c.Disabled,
			OS:        fp.OSString(),
			IDE:       fp.IDEVersion,
			MachineID: fp.MachineID,
		}
		if info, ok := active[c.ID]; ok {
			info := info
			st.Cooldown = &info
			st.Available = false
		}
		out[i] = st
	}
	return out
}
