package team

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Proposal types.
const (
	ProposalElection   = "election"
	ProposalDecision   = "decision"
	ProposalApproval   = "approval"
	ProposalAssignment = "assignment"
)

// Proposal statuses.
const (
	ProposalActive    = "active"
	ProposalResolved  = "resolved"
	ProposalCancelled = "cancelled"
	ProposalExpired   = "expired"
)

// Resolution types.
const (
	ResolvePlurality = "plurality"
	ResolveMajority  = "majority"
)

// DefaultProposalTTL bounds how long a proposal accepts votes.
const DefaultProposalTTL = 24 * time.Hour

// Option is one votable choice.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Resolution describes how votes decide a proposal.
type Resolution struct {
	Type       string `json:"type"`
	Quorum     int    `json:"quorum,omitempty"`
	TieBreaker string `json:"tieBreaker,omitempty"`
}

// Vote is one agent's current choice.
type Vote struct {
	Choice string `json:"choice"`
	Reason string `json:"reason,omitempty"`
}

// Proposal is a team decision in flight.
type Proposal struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Options     []Option        `json:"options"`
	Resolution  Resolution      `json:"resolution"`
	Binding     bool            `json:"binding"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	CreatedBy   string          `json:"createdBy"`
	Votes       map[string]Vote `json:"votes"`
	Status      string          `json:"status"`
	Result      string          `json:"result,omitempty"`
}

// CreateProposalInput configures a new proposal.
type CreateProposalInput struct {
	Type        string
	Title       string
	Description string
	Options     []Option
	Resolution  Resolution
	Binding     bool
	TTL         time.Duration
	CreatedBy   string
}

var (
	ErrProposalNotFound  = errors.New("proposal not found")
	ErrProposalNotActive = errors.New("proposal not active")
	ErrNotCreator        = errors.New("only the creator can cancel")
	ErrBadOption         = errors.New("unknown option")
)

// ProposalManager tracks proposals in memory for one context.
type ProposalManager struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
	nextN     int
}

// NewProposalManager returns an empty manager.
func NewProposalManager() *ProposalManager {
	return &ProposalManager{proposals: make(map[string]*Proposal), nextN: 1}
}

// Create registers a proposal. Approval proposals without options get
// approve/reject; resolution defaults to plurality with no quorum.
func (m *ProposalManager) Create(in CreateProposalInput) (*Proposal, error) {
	if in.Title == "" {
		return nil, errors.New("proposal title required")
	}
	if in.Type == "" {
		in.Type = ProposalDecision
	}
	if len(in.Options) == 0 {
		if in.Type != ProposalApproval {
			return nil, errors.New("proposal options required")
		}
		in.Options = []Option{{ID: "approve", Label: "Approve"}, {ID: "reject", Label: "Reject"}}
	}
	if in.Resolution.Type == "" {
		in.Resolution.Type = ResolvePlurality
	}
	if in.Resolution.TieBreaker == "" {
		in.Resolution.TieBreaker = "first-in"
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = DefaultProposalTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := &Proposal{
		ID:          fmt.Sprintf("prop-%d", m.nextN),
		Type:        in.Type,
		Title:       in.Title,
		Description: in.Description,
		Options:     in.Options,
		Resolution:  in.Resolution,
		Binding:     in.Binding,
		ExpiresAt:   time.Now().Add(ttl),
		CreatedBy:   in.CreatedBy,
		Votes:       make(map[string]Vote),
		Status:      ProposalActive,
	}
	m.nextN++
	m.proposals[p.ID] = p
	return p.clone(), nil
}

// Vote records or replaces a voter's choice and evaluates resolution.
func (m *ProposalManager) Vote(id, voter, choice, reason string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	if p.Status != ProposalActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrProposalNotActive, id, p.Status)
	}
	if !hasOption(p.Options, choice) {
		return nil, fmt.Errorf("%w: %q", ErrBadOption, choice)
	}

	p.Votes[voter] = Vote{Choice: choice, Reason: reason}
	m.evaluateLocked(p)
	return p.clone(), nil
}

// Status returns the proposal, applying lazy expiry.
func (m *ProposalManager) Status(id string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	return p.clone(), nil
}

// List returns all proposals, applying lazy expiry.
func (m *ProposalManager) List() []*Proposal {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Proposal, 0, len(m.proposals))
	for i := 1; i < m.nextN; i++ {
		if p, ok := m.proposals[fmt.Sprintf("prop-%d", i)]; ok {
			m.expireLocked(p)
			out = append(out, p.clone())
		}
	}
	return out
}

// Cancel marks a proposal cancelled. Only the creator may cancel.
func (m *ProposalManager) Cancel(id, caller string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	if p.Status != ProposalActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrProposalNotActive, id, p.Status)
	}
	if caller != p.CreatedBy {
		return nil, fmt.Errorf("%w: %s", ErrNotCreator, id)
	}
	p.Status = ProposalCancelled
	return p.clone(), nil
}

func (m *ProposalManager) getLocked(id string) (*Proposal, error) {
	p, ok := m.proposals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProposalNotFound, id)
	}
	m.expireLocked(p)
	return p, nil
}

func (m *ProposalManager) expireLocked(p *Proposal) {
	if p.Status == ProposalActive && time.Now().After(p.ExpiresAt) {
		p.Status = ProposalExpired
	}
}

// evaluateLocked applies the resolution rules after a vote. A quorum
// that is not yet met leaves the proposal active.
func (m *ProposalManager) evaluateLocked(p *Proposal) {
	if p.Resolution.Quorum > 0 && len(p.Votes) < p.Resolution.Quorum {
		return
	}

	counts := make(map[string]int)
	for _, v := range p.Votes {
		counts[v.Choice]++
	}

	// first-in tie-break: option order is the declaration order
	winner := ""
	best := 0
	for _, opt := range p.Options {
		if counts[opt.ID] > best {
			best = counts[opt.ID]
			winner = opt.ID
		}
	}

	switch p.Resolution.Type {
	case ResolveMajority:
		if best*2 <= len(p.Votes) {
			winner = ""
		}
	default: // plurality
	}

	p.Status = ProposalResolved
	if winner == "" {
		p.Result = "none"
	} else {
		p.Result = winner
	}
}

func (p *Proposal) clone() *Proposal {
	out := *p
	out.Options = append([]Option(nil), p.Options...)
	out.Votes = make(map[string]Vote, len(p.Votes))
	for k, v := range p.Votes {
		out.Votes[k] = v
	}
	return &out
}

func hasOption(opts []Option, id string) bool {
	for _, o := range opts {
		if o.ID == id {
			return true
		}
	}
	return false
}
