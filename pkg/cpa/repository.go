package cpa

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

// ErrNotFound is returned when no active agreement matches a lookup.
var ErrNotFound = errors.New("partner agreement not found")

type snapshot struct {
	all    []*PartnerAgreement
	active []*PartnerAgreement
	byID   map[string]*PartnerAgreement
}

func newSnapshot(agreements []*PartnerAgreement) *snapshot {
	s := &snapshot{
		all:  agreements,
		byID: make(map[string]*PartnerAgreement, len(agreements)),
	}
	for _, a := range agreements {
		if a.Active {
			s.active = append(s.active, a)
			s.byID[a.CPAID] = a
		}
	}
	return s
}

// Repository holds the current set of partner agreements. Reads are lock
// free; Replace and Load swap the whole set in one step so that readers see
// either the old or the new snapshot.
type Repository struct {
	current  atomic.Pointer[snapshot]
	patterns []string
	logger   *slog.Logger
}

// NewRepository returns an empty repository that loads from patterns.
func NewRepository(patterns []string, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repository{patterns: patterns, logger: logger}
	r.current.Store(newSnapshot(nil))
	return r
}

// Patterns returns the document patterns the repository loads from.
func (r *Repository) Patterns() []string {
	return r.patterns
}

// Load reads the configured documents and swaps them in. On failure the
// previous snapshot is kept and the error returned.
func (r *Repository) Load() error {
	agreements, err := LoadFiles(r.patterns, r.logger)
	if err != nil {
		r.logger.Error("failed to load partner agreements", slog.String("error", err.Error()))
		return err
	}
	r.Replace(agreements)
	r.logger.Info("partner agreements loaded",
		slog.Int("total", len(agreements)),
		slog.Int("active", len(r.Active())))
	return nil
}

// Replace swaps in a new agreement set.
func (r *Repository) Replace(agreements []*PartnerAgreement) {
	r.current.Store(newSnapshot(agreements))
}

// All returns every loaded agreement in document order.
func (r *Repository) All() []*PartnerAgreement {
	return r.current.Load().all
}

// Active returns the active agreements in document order.
func (r *Repository) Active() []*PartnerAgreement {
	return r.current.Load().active
}

// FindByCPAID returns the active agreement with the given id.
func (r *Repository) FindByCPAID(id string) (*PartnerAgreement, error) {
	if a, ok := r.current.Load().byID[id]; ok {
		return a, nil
	}
	return nil, ErrNotFound
}

// FindByServiceAndAction returns the first active agreement that carries the
// service/action pair.
func (r *Repository) FindByServiceAndAction(service, action string) (*PartnerAgreement, error) {
	for _, a := range r.current.Load().active {
		if a.HasService(service, action) {
			return a, nil
		}
	}
	return nil, ErrNotFound
}

// FindByMessage resolves the agreement for an inbound envelope. Service and
// action from the collaboration info are matched first, and the action's
// validations must hold. Failing that, an active agreement without services
// whose parties match the From and To party ids is returned.
func (r *Repository) FindByMessage(env *message.Envelope) (*PartnerAgreement, error) {
	hdr, err := message.ExtractHeader(env)
	if err != nil {
		return nil, ErrNotFound
	}
	snap := r.current.Load()

	if hdr.Service != "" && hdr.Action != "" {
		for _, a := range snap.active {
			if a.HasService(hdr.Service, hdr.Action) && r.validFor(a, env, hdr) {
				return a, nil
			}
		}
	}

	from, to := hdr.From.PartyID, hdr.To.PartyID
	if from == "" && to == "" {
		return nil, ErrNotFound
	}
	for _, a := range snap.active {
		if len(a.Services) == 0 && partiesMatch(a, from, to) {
			return a, nil
		}
	}
	return nil, ErrNotFound
}

// IsValidPartnerAgreement reports whether the envelope satisfies every
// validation of the action it addresses within agreement a. Agreements
// without services accept any message.
func (r *Repository) IsValidPartnerAgreement(a *PartnerAgreement, env *message.Envelope) bool {
	hdr, err := message.ExtractHeader(env)
	if err != nil {
		return false
	}
	if len(a.Services) == 0 {
		return true
	}
	return r.validFor(a, env, hdr)
}

func (r *Repository) validFor(a *PartnerAgreement, env *message.Envelope, hdr *message.Header) bool {
	act, ok := a.Action(hdr.Service, hdr.Action)
	if !ok {
		return false
	}
	for i := range act.Validations {
		v := &act.Validations[i]
		if !v.Matches(env.Doc) {
			r.logger.Debug("partner agreement validation failed",
				slog.String("cpa_id", a.CPAID),
				slog.String("validation", v.Name),
				slog.String("message_id", hdr.MessageID))
			return false
		}
	}
	return true
}

func partiesMatch(a *PartnerAgreement, from, to string) bool {
	match := func(want, got string) bool { return want == "" || want == got }
	forward := match(a.Initiator.PartyID, from) && match(a.Responder.PartyID, to)
	reverse := match(a.Responder.PartyID, from) && match(a.Initiator.PartyID, to)
	return forward || reverse
}
