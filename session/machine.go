// Package session drives one player's betting flow: select, approve, race, settle.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hedeqiang/derby/contract"
	"github.com/hedeqiang/derby/metrics"
	"github.com/hedeqiang/derby/race"
	"github.com/hedeqiang/derby/retry"
	"github.com/hedeqiang/derby/subscriber"
	"github.com/hedeqiang/derby/wallet"
)

// Contract is the chain access of a session. *contract.Adapter implements it.
type Contract interface {
	Player() common.Address
	ContractAddress() common.Address
	BalanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error)
	BaseFeeAmount(ctx context.Context) (*big.Int, error)
	GameStats(ctx context.Context) (*contract.GameStats, error)
	Approve(ctx context.Context, amount *uint256.Int) (*contract.PendingTx, error)
	PlaceBetAndRace(ctx context.Context, w race.Wager, fee *big.Int) (*contract.PendingTx, error)
}

// Settler turns a submission into an outcome. *settlement.Reconciler implements it.
type Settler interface {
	Reconcile(ctx context.Context, sub race.Submission) (*race.Outcome, error)
}

var _ Contract = (*contract.Adapter)(nil)

// Config holds the session timings.
type Config struct {
	// DisplayDelay is how long a settled race stays on display before the session returns to Idle.
	DisplayDelay time.Duration

	// AllowancePollInterval and AllowancePollAttempts bound the wait for an approval to land.
	AllowancePollInterval time.Duration
	AllowancePollAttempts int
}

// DefaultConfig returns the timings of the web client.
func DefaultConfig() Config {
	return Config{
		DisplayDelay:          5 * time.Second,
		AllowancePollInterval: 2 * time.Second,
		AllowancePollAttempts: 30,
	}
}

// Snapshot is a consistent copy of the session. Values behind pointers are never mutated.
type Snapshot struct {
	State      State
	Generation string

	// HorseID is -1 until a horse is selected.
	HorseID int
	Bet     *uint256.Int

	Approval  race.ApprovalState
	Balance   *uint256.Int
	Allowance *uint256.Int
	BaseFee   *big.Int
	Stats     *contract.GameStats

	Submission *race.Submission
	Outcome    *race.Outcome

	// LastError stays set until the next selection.
	LastError error
	Status    string
}

// Machine is the session state machine. It is safe for concurrent use; at most
// one approval or race flow runs at a time.
type Machine struct {
	contract Contract
	settler  Settler
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collectors
	updates  *subscriber.Broadcast[Snapshot]

	mu         sync.Mutex
	s          Snapshot
	resetTimer *time.Timer
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		m.logger = l
	}
}

// WithMetrics records submitted transactions into c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Machine) {
		m.metrics = c
	}
}

// New creates an idle session.
func New(c Contract, settler Settler, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		contract: c,
		settler:  settler,
		cfg:      cfg,
		logger:   zap.NewNop(),
		metrics:  metrics.NewNop(),
		updates:  subscriber.NewBroadcast[Snapshot](),
		s: Snapshot{
			State:      Idle,
			Generation: uuid.NewString(),
			HorseID:    -1,
			Status:     statusFor(Idle, nil),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns the current session state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s
}

// Subscribe returns a channel receiving every published snapshot and a function to stop.
func (m *Machine) Subscribe(buf int) (<-chan Snapshot, func()) {
	ch := subscriber.NewChannel[Snapshot](buf)
	m.updates.Add(ch)
	return ch.C(), func() { m.updates.Remove(ch) }
}

// Close stops the display timer and all subscriptions.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.resetTimer != nil {
		m.resetTimer.Stop()
	}
	m.mu.Unlock()
	m.updates.Close()
}

func (m *Machine) publish() {
	m.updates.Send(m.Snapshot())
}

// setState moves to next under m.mu.
func (m *Machine) setState(next State) error {
	if !CanTransition(m.s.State, next) {
		m.logger.Error("refusing transition", zap.Stringer("from", m.s.State), zap.Stringer("to", next))
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.s.State, next)
	}
	m.s.State = next
	return nil
}

// update applies fn if gen is still the active generation. Writes from a
// flow that was reset are dropped.
func (m *Machine) update(gen string, fn func(s *Snapshot)) bool {
	m.mu.Lock()
	if m.s.Generation != gen {
		m.mu.Unlock()
		m.logger.Debug("dropping stale session update", zap.String("generation", gen))
		return false
	}
	fn(&m.s)
	m.mu.Unlock()
	m.publish()
	return true
}

// fail records err as the visible error under m.mu.
func (m *Machine) fail(err error) error {
	m.s.LastError = err
	m.s.Status = StatusText(err)
	return err
}

// selectable checks, under m.mu, that the selection may change.
func (m *Machine) selectable() error {
	switch m.s.State {
	case AwaitingApproval:
		return ErrApprovalPending
	case RaceSubmitted, Reconciling:
		return ErrRaceInFlight
	}
	return nil
}

// SelectHorse chooses the horse (0-based) to bet on.
func (m *Machine) SelectHorse(id int) error {
	if id < 0 || id >= race.Horses {
		return fmt.Errorf("%w: %d", race.ErrInvalidHorse, id)
	}
	return m.changeSelection(func(s *Snapshot) { s.HorseID = id })
}

// SelectBet chooses the wager amount in token base units.
func (m *Machine) SelectBet(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return race.ErrInvalidAmount
	}
	bet := new(uint256.Int).Set(amount)
	return m.changeSelection(func(s *Snapshot) { s.Bet = bet })
}

func (m *Machine) changeSelection(apply func(s *Snapshot)) error {
	m.mu.Lock()
	if err := m.selectable(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
	apply(&m.s)
	if err := m.setState(Selecting); err != nil {
		m.mu.Unlock()
		return err
	}
	m.s.LastError = nil
	m.s.Outcome = nil
	m.s.Submission = nil
	m.s.Approval = m.approvalLocked()
	m.s.Status = statusFor(Selecting, &m.s)
	m.mu.Unlock()
	m.publish()
	return nil
}

// approvalLocked derives the approval state of the current selection.
func (m *Machine) approvalLocked() race.ApprovalState {
	if m.s.Bet == nil {
		return race.NotApproved
	}
	return race.ApprovalFor(m.s.Allowance, race.Wager{HorseID: m.s.HorseID, Amount: m.s.Bet})
}

// Approve makes sure the race contract may spend the selected bet. When the
// current allowance already covers it the session moves to Approved without a
// transaction; otherwise an approve transaction is sent and the allowance is
// polled until it covers the bet.
func (m *Machine) Approve(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.s.State == AwaitingApproval:
		m.mu.Unlock()
		return ErrApprovalPending
	case m.s.State.racing():
		m.mu.Unlock()
		return ErrRaceInFlight
	case m.s.HorseID < 0 || m.s.Bet == nil:
		err := m.fail(ErrIncompleteSelection)
		m.mu.Unlock()
		m.publish()
		return err
	}
	w, err := race.NewWager(m.s.HorseID, m.s.Bet)
	if err != nil {
		err = m.fail(err)
		m.mu.Unlock()
		m.publish()
		return err
	}
	if err := m.setState(AwaitingApproval); err != nil {
		m.mu.Unlock()
		return err
	}
	m.s.Approval = race.Pending
	m.s.LastError = nil
	m.s.Status = statusFor(AwaitingApproval, &m.s)
	gen := m.s.Generation
	m.mu.Unlock()
	m.publish()

	log := m.logger.With(zap.Int("horse", w.HorseID), zap.String("amount", w.Amount.Dec()))
	player, spender := m.contract.Player(), m.contract.ContractAddress()

	allowance, err := m.contract.Allowance(ctx, player, spender)
	if err != nil {
		return m.approvalFailed(gen, err)
	}
	if race.ApprovalFor(allowance, w) == race.Approved {
		log.Debug("allowance already covers wager")
		return m.approved(gen, allowance)
	}

	tx, err := m.contract.Approve(ctx, w.Amount)
	if err != nil {
		m.countTx("approve", err)
		return m.approvalFailed(gen, err)
	}
	m.countTx("approve", nil)
	log.Info("approval sent", zap.String("tx", tx.Hash.Hex()))
	m.update(gen, func(s *Snapshot) {
		s.Status = fmt.Sprintf("Approval sent (%s), waiting for confirmation...", tx.Hash.TerminalString())
	})

	var latest *uint256.Int
	strategy := retry.Every(m.cfg.AllowancePollInterval, m.cfg.AllowancePollAttempts)
	res, err := retry.Poll(ctx, strategy, func(ctx context.Context) (retry.Outcome, error) {
		a, err := m.contract.Allowance(ctx, player, spender)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return retry.Done, cerr
			}
			log.Debug("allowance poll failed", zap.Error(err))
			return retry.Retry, nil
		}
		latest = a
		if race.ApprovalFor(a, w) == race.Approved {
			return retry.Done, nil
		}
		return retry.Retry, nil
	})
	if err != nil {
		return m.approvalFailed(gen, err)
	}
	if res.Exhausted {
		return m.approvalFailed(gen, fmt.Errorf("%w after %d checks", ErrAllowanceTimeout, res.Attempts))
	}
	return m.approved(gen, latest)
}

func (m *Machine) approved(gen string, allowance *uint256.Int) error {
	ok := m.update(gen, func(s *Snapshot) {
		s.Allowance = allowance
		s.Approval = race.Approved
		_ = m.setState(Approved)
		s.Status = statusFor(Approved, s)
	})
	if !ok {
		return ErrStale
	}
	return nil
}

func (m *Machine) approvalFailed(gen string, err error) error {
	m.logger.Warn("approval failed", zap.Error(err))
	m.update(gen, func(s *Snapshot) {
		s.Approval = race.NotApproved
		_ = m.setState(Selecting)
		m.fail(err)
	})
	return err
}

// Race submits the approved wager and waits for its outcome. The session then
// shows the result as Settled and returns to Idle after DisplayDelay.
//
// Calling Race while a race is running or on display returns ErrRaceInFlight.
// A Reset during the race does not stop reconciliation, but its result is no
// longer written into the session.
func (m *Machine) Race(ctx context.Context) (*race.Outcome, error) {
	feeErr := m.loadBaseFee(ctx)

	m.mu.Lock()
	switch {
	case m.s.State.racing():
		m.mu.Unlock()
		return nil, ErrRaceInFlight
	case m.s.State == AwaitingApproval:
		m.mu.Unlock()
		return nil, ErrApprovalPending
	case m.s.State != Approved:
		err := m.fail(ErrNotApproved)
		m.mu.Unlock()
		m.publish()
		return nil, err
	case m.s.BaseFee == nil:
		err := ErrNoBaseFee
		if feeErr != nil {
			err = fmt.Errorf("%w: %w", ErrNoBaseFee, feeErr)
		}
		err = m.fail(err)
		m.mu.Unlock()
		m.publish()
		return nil, err
	}
	w := race.Wager{HorseID: m.s.HorseID, Amount: new(uint256.Int).Set(m.s.Bet)}
	fee := new(big.Int).Set(m.s.BaseFee)
	if err := m.setState(RaceSubmitted); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	gen := uuid.NewString()
	m.s.Generation = gen
	m.s.Submission = nil
	m.s.Outcome = nil
	m.s.LastError = nil
	m.s.Status = statusFor(RaceSubmitted, &m.s)
	m.mu.Unlock()
	m.publish()

	log := m.logger.With(zap.String("generation", gen), zap.Int("horse", w.HorseID))

	tx, err := m.contract.PlaceBetAndRace(ctx, w, fee)
	if err != nil {
		m.countTx("placeBetAndRace", err)
		log.Warn("race submission failed", zap.Error(err))
		m.update(gen, func(s *Snapshot) {
			_ = m.setState(Approved)
			m.fail(err)
		})
		return nil, err
	}
	m.countTx("placeBetAndRace", nil)

	sub := race.Submission{TxHash: tx.Hash, Player: tx.From, Wager: w.Clone(), SubmittedAt: tx.SentAt}
	log = log.With(zap.String("tx", tx.Hash.Hex()))
	log.Info("race submitted")
	m.update(gen, func(s *Snapshot) {
		_ = m.setState(Reconciling)
		s.Submission = &sub
		s.Status = statusFor(Reconciling, s)
	})

	outcome, err := m.settler.Reconcile(ctx, sub)
	if err != nil {
		log.Warn("race not settled", zap.Error(err))
	}

	current := m.update(gen, func(s *Snapshot) {
		_ = m.setState(Settled)
		s.Outcome = outcome
		if err != nil {
			m.fail(err)
		} else {
			s.Status = statusFor(Settled, s)
		}
		m.resetTimer = time.AfterFunc(m.cfg.DisplayDelay, func() { m.finish(gen) })
	})
	if current && err == nil {
		if rerr := m.Refresh(ctx); rerr != nil {
			log.Debug("refresh after race failed", zap.Error(rerr))
		}
	}
	return outcome, err
}

// loadBaseFee reads the race fee once if no Refresh has loaded it yet.
func (m *Machine) loadBaseFee(ctx context.Context) error {
	m.mu.Lock()
	loaded := m.s.BaseFee != nil
	m.mu.Unlock()
	if loaded {
		return nil
	}
	fee, err := m.contract.BaseFeeAmount(ctx)
	if err != nil {
		m.logger.Warn("base fee unavailable", zap.Error(err))
		return err
	}
	m.mu.Lock()
	if m.s.BaseFee == nil {
		m.s.BaseFee = fee
	}
	m.mu.Unlock()
	return nil
}

// finish returns a settled session to Idle once the result has been displayed.
func (m *Machine) finish(gen string) {
	m.update(gen, func(s *Snapshot) {
		if s.State != Settled {
			return
		}
		_ = m.setState(Idle)
		m.resetTimer = nil
		if s.LastError == nil {
			s.Status = statusFor(Idle, s)
		}
		s.Approval = m.approvalLocked()
	})
}

// Reset abandons the current flow, e.g. when the player leaves the race view.
// In-flight approvals and races keep running but can no longer change the session.
func (m *Machine) Reset() {
	m.mu.Lock()
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
	m.s = Snapshot{
		State:      Idle,
		Generation: uuid.NewString(),
		HorseID:    -1,
		Balance:    m.s.Balance,
		Allowance:  m.s.Allowance,
		BaseFee:    m.s.BaseFee,
		Stats:      m.s.Stats,
		Status:     statusFor(Idle, nil),
	}
	m.mu.Unlock()
	m.publish()
}

// Refresh reloads balance, allowance, base fee and game stats concurrently.
// Values that loaded are applied even when another read failed.
func (m *Machine) Refresh(ctx context.Context) error {
	var (
		balance, allowance *uint256.Int
		fee                *big.Int
		stats              *contract.GameStats
	)
	player := m.contract.Player()

	g, gctx := errgroup.WithContext(ctx)
	if player != (common.Address{}) {
		g.Go(func() (err error) {
			balance, err = m.contract.BalanceOf(gctx, player)
			return err
		})
		g.Go(func() (err error) {
			allowance, err = m.contract.Allowance(gctx, player, m.contract.ContractAddress())
			return err
		})
	}
	g.Go(func() (err error) {
		fee, err = m.contract.BaseFeeAmount(gctx)
		return err
	})
	g.Go(func() (err error) {
		stats, err = m.contract.GameStats(gctx)
		return err
	})
	err := g.Wait()

	m.mu.Lock()
	if balance != nil {
		m.s.Balance = balance
	}
	if allowance != nil {
		m.s.Allowance = allowance
		if m.s.State != AwaitingApproval {
			m.s.Approval = m.approvalLocked()
		}
	}
	if fee != nil {
		m.s.BaseFee = fee
	}
	if stats != nil {
		m.s.Stats = stats
	}
	m.mu.Unlock()
	m.publish()

	if err != nil {
		return fmt.Errorf("session: refresh: %w", err)
	}
	return nil
}

func (m *Machine) countTx(method string, err error) {
	result := "sent"
	switch {
	case errors.Is(err, wallet.ErrRejected):
		result = "rejected"
	case err != nil:
		result = "failed"
	}
	m.metrics.Transactions.WithLabelValues(method, result).Inc()
}

// statusFor is the idle text of a state; s may be nil.
func statusFor(state State, s *Snapshot) string {
	switch state {
	case Idle:
		return "Pick a horse and a bet."
	case Selecting:
		if s == nil || s.HorseID < 0 || s.Bet == nil {
			return "Pick a horse and a bet."
		}
		return fmt.Sprintf("Horse %d, bet %s. Approve to continue.", s.HorseID+1, s.Bet.Dec())
	case AwaitingApproval:
		return "Waiting for approval..."
	case Approved:
		return "Approved. Ready to race."
	case RaceSubmitted:
		return "Submitting race..."
	case Reconciling:
		return "Race in progress..."
	case Settled:
		if s == nil || s.Outcome == nil {
			return "Race finished."
		}
		o := s.Outcome
		if o.Won {
			return fmt.Sprintf("Horse %d won! Payout %s.", o.HorseID+1, o.Payout)
		}
		return fmt.Sprintf("Winner was horse %d, your horse %d placed %s.", o.Winners[0]+1, o.HorseID+1, placeText(o.Placed(o.HorseID)))
	default:
		return ""
	}
}

func placeText(place int) string {
	switch place {
	case 1:
		return "1st"
	case 2:
		return "2nd"
	case 3:
		return "3rd"
	default:
		return "out of the podium"
	}
}
