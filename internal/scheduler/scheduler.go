// Package scheduler drives the day/night state machine. One goroutine per
// game owns all state mutation; every fan-out (wolf votes, day votes) joins
// before its results are applied serially, and phase transitions wait for
// narration and speech streams to finish.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/agents"
	"github.com/qingchang/werewolf-auto-host/internal/audit"
	"github.com/qingchang/werewolf-auto-host/internal/broker"
	"github.com/qingchang/werewolf-auto-host/internal/bus"
	"github.com/qingchang/werewolf-auto-host/internal/game"
	"github.com/qingchang/werewolf-auto-host/internal/narrator"
	"github.com/qingchang/werewolf-auto-host/internal/observability"
	"github.com/qingchang/werewolf-auto-host/internal/queue"
	"github.com/qingchang/werewolf-auto-host/internal/store"
	"github.com/qingchang/werewolf-auto-host/internal/types"
)

// Config carries the per-action deadlines and rule policy flags.
type Config struct {
	SpeechTimeout      time.Duration
	VoteTimeout        time.Duration
	NightActionTimeout time.Duration
	LastWordsTimeout   time.Duration

	WitchSelfSaveNight1Only bool
	HunterShootWhenPoisoned bool
}

func DefaultConfig() Config {
	return Config{
		SpeechTimeout:           60 * time.Second,
		VoteTimeout:             45 * time.Second,
		NightActionTimeout:      45 * time.Second,
		LastWordsTimeout:        30 * time.Second,
		WitchSelfSaveNight1Only: true,
		HunterShootWhenPoisoned: true,
	}
}

// TaskPublisher is the optional outbound queue finished games report to.
type TaskPublisher interface {
	Publish(ctx context.Context, task queue.Task) error
}

type Deps struct {
	Bus      *bus.Bus
	Broker   *broker.Broker
	Narrator *narrator.Narrator
	Agents   *agents.Runner
	Log      *audit.Log
	Store    *store.Store
	Tasks    TaskPublisher
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// Manager owns one gameRunner per room and routes control-plane signals and
// client submissions to it.
type Manager struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     Config
	deps    Deps
	runners map[string]*gameRunner
}

func NewManager(ctx context.Context, cfg Config, deps Deps) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	mgrCtx, cancel := context.WithCancel(ctx)
	return &Manager{
		ctx:     mgrCtx,
		cancel:  cancel,
		cfg:     cfg,
		deps:    deps,
		runners: make(map[string]*gameRunner),
	}
}

func (m *Manager) Close() {
	m.cancel()
}

// SeatSpec describes one participant at start. Roles are used as given only
// when every seat has one; if any seat's Role is empty, all seats are dealt
// from a shuffled standard deck.
type SeatSpec struct {
	SeatNumber  int
	Kind        game.ParticipantKind
	DisplayName string
	Role        game.Role
}

// StartGame deals roles, persists the room as in-progress, and launches the
// game's runner goroutine.
func (m *Manager) StartGame(ctx context.Context, roomCode string, seats []SeatSpec, preferredHumanRole game.Role) (string, error) {
	m.mu.Lock()
	if _, running := m.runners[roomCode]; running {
		m.mu.Unlock()
		return "", types.NewError(types.ErrConflict, "game already in progress for room")
	}
	m.mu.Unlock()

	assignments, err := dealRoles(seats, preferredHumanRole)
	if err != nil {
		return "", err
	}

	gameID := uuid.NewString()
	g, err := game.NewGame(gameID, roomCode, assignments)
	if err != nil {
		return "", err
	}

	participants := make([]store.Participant, len(seats))
	for i, s := range seats {
		participants[i] = store.Participant{
			SeatNumber:  s.SeatNumber,
			Kind:        string(s.Kind),
			DisplayName: s.DisplayName,
		}
	}
	if err := m.deps.Store.SaveRoom(ctx, store.Room{
		RoomCode:     roomCode,
		Status:       store.RoomStatusInProgress,
		GameTypeSlug: "werewolf-standard-10",
		Participants: participants,
	}); err != nil {
		return "", types.WrapError(types.ErrInternal, "cannot persist room", err)
	}

	m.launch(g, false)
	return gameID, nil
}

func (m *Manager) launch(g *game.Game, recovered bool) {
	runCtx, cancel := context.WithCancel(m.ctx)
	r := &gameRunner{
		cfg:       m.cfg,
		deps:      m.deps,
		g:         g,
		ctx:       runCtx,
		cancel:    cancel,
		recovered: recovered,
		histories: make(map[int][]string),
		logger: m.deps.Logger.With(
			zap.String("room_code", g.RoomCode),
			zap.String("game_id", g.GameID)),
		onDone: func() { m.release(g.RoomCode) },
	}

	if recovered {
		r.rebuildHistories()
	}

	m.mu.Lock()
	m.runners[g.RoomCode] = r
	m.mu.Unlock()

	m.deps.Metrics.GamesInProgress.Inc()
	go r.run()
}

func (m *Manager) release(roomCode string) {
	m.mu.Lock()
	delete(m.runners, roomCode)
	m.mu.Unlock()
	m.deps.Metrics.GamesInProgress.Dec()
}

func (m *Manager) runner(roomCode string) (*gameRunner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[roomCode]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "no game in progress for room")
	}
	return r, nil
}

// Submit routes a client action to the room's pending prompt.
func (m *Manager) Submit(sub types.Submission) error {
	if _, err := m.runner(sub.RoomCode); err != nil {
		return err
	}
	return m.deps.Broker.Submit(sub.RoomCode, sub.Seat, sub.Action, sub.Payload)
}

func (m *Manager) Pause(roomCode string) error {
	r, err := m.runner(roomCode)
	if err != nil {
		return err
	}
	r.setPaused(true)
	return nil
}

func (m *Manager) Resume(roomCode string) error {
	r, err := m.runner(roomCode)
	if err != nil {
		return err
	}
	r.setPaused(false)
	return nil
}

// Stop cancels a running game: pending prompts and streams are torn down and
// the game ends with no winner.
func (m *Manager) Stop(roomCode string) error {
	r, err := m.runner(roomCode)
	if err != nil {
		return err
	}
	r.stop()
	return nil
}

// SnapshotFor returns the current role-scoped view for one seat, or the
// public view for seat zero. Used by reconnecting clients.
func (m *Manager) SnapshotFor(roomCode string, seat int) (game.Snapshot, error) {
	r, err := m.runner(roomCode)
	if err != nil {
		return game.Snapshot{}, err
	}
	return r.snapshotFor(seat), nil
}

// SeatTeam reports the team a seat belongs to, for audit visibility checks.
func (m *Manager) SeatTeam(roomCode string, seat int) (game.Team, error) {
	r, err := m.runner(roomCode)
	if err != nil {
		return "", err
	}
	snap := r.snapshotFor(seat)
	return game.TeamOf(snap.ViewerRole), nil
}

func dealRoles(seats []SeatSpec, preferredHumanRole game.Role) ([]game.SeatAssignment, error) {
	if len(seats) != game.NumSeats {
		return nil, types.NewError(types.ErrBadRequest, fmt.Sprintf("expected %d seats, got %d", game.NumSeats, len(seats)))
	}

	prescribed := true
	for _, s := range seats {
		if s.Role == "" {
			prescribed = false
			break
		}
	}

	assignments := make([]game.SeatAssignment, len(seats))
	if prescribed {
		for i, s := range seats {
			assignments[i] = game.SeatAssignment{
				SeatNumber:  s.SeatNumber,
				Kind:        s.Kind,
				DisplayName: s.DisplayName,
				Role:        s.Role,
			}
		}
		return assignments, nil
	}

	deck := game.ShuffledDeck()
	for i, s := range seats {
		assignments[i] = game.SeatAssignment{
			SeatNumber:  s.SeatNumber,
			Kind:        s.Kind,
			DisplayName: s.DisplayName,
			Role:        deck[i],
		}
	}
	if preferredHumanRole != "" {
		honorPreferredRole(assignments, seats, preferredHumanRole)
	}
	return assignments, nil
}

// honorPreferredRole swaps the human seat's dealt role with a seat holding
// the preferred one. Counts stay intact because it is a swap.
func honorPreferredRole(assignments []game.SeatAssignment, seats []SeatSpec, preferred game.Role) {
	humanIdx := -1
	for i, s := range seats {
		if s.Kind == game.ParticipantHuman {
			humanIdx = i
			break
		}
	}
	if humanIdx < 0 || assignments[humanIdx].Role == preferred {
		return
	}
	for i := range assignments {
		if assignments[i].Role == preferred {
			assignments[humanIdx].Role, assignments[i].Role = assignments[i].Role, assignments[humanIdx].Role
			return
		}
	}
}

// gameRunner is the single writer for one game.
type gameRunner struct {
	cfg       Config
	deps      Deps
	g         *game.Game
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
	onDone    func()
	recovered bool

	// snapMu guards read-only snapshot access from other goroutines; the
	// runner goroutine takes it only around mutation batches.
	snapMu sync.RWMutex

	pauseMu  sync.Mutex
	resumeCh chan struct{}

	// histories holds each seat's private transcript: public table talk plus
	// the seat's own night results. Fed to the agent runner as context.
	histories map[int][]string
}

func (r *gameRunner) snapshotFor(seat int) game.Snapshot {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	if seat == 0 {
		return r.g.PublicSnapshot()
	}
	return r.g.ViewFor(seat)
}

func (r *gameRunner) setPaused(paused bool) {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	if paused && r.resumeCh == nil {
		r.resumeCh = make(chan struct{})
		r.mutate(func() { r.g.Paused = true })
		r.logger.Info("game paused")
	}
	if !paused && r.resumeCh != nil {
		close(r.resumeCh)
		r.resumeCh = nil
		r.mutate(func() { r.g.Paused = false })
		r.logger.Info("game resumed")
	}
}

// waitIfPaused blocks new prompts and transitions while the game is paused.
// In-flight prompts keep their deadlines; only new work is held.
func (r *gameRunner) waitIfPaused() {
	r.pauseMu.Lock()
	ch := r.resumeCh
	r.pauseMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	case <-r.ctx.Done():
	}
}

func (r *gameRunner) stop() {
	r.deps.Broker.CancelRoom(r.g.RoomCode)
	r.cancel()
}

// mutate applies a state change inside the writer lock.
func (r *gameRunner) mutate(fn func()) {
	r.snapMu.Lock()
	fn()
	r.snapMu.Unlock()
}

// mutateChecked applies a change and asserts the game invariants; a breach
// aborts the game per the internal-error policy.
func (r *gameRunner) mutateChecked(fn func() error) error {
	r.snapMu.Lock()
	err := fn()
	if err == nil {
		err = r.g.Check()
	}
	r.snapMu.Unlock()
	return err
}

// run is the game's single logical task: it drives the phase state machine
// until the game ends, containing panics so a broken game never takes the
// process down.
func (r *gameRunner) run() {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("game runner crashed",
				zap.Any("panic", recovered),
				zap.ByteString("stack", debug.Stack()))
			r.finalize(game.WinnerNone, "INTERNAL_ERROR")
		}
		r.onDone()
	}()

	if !r.recovered {
		r.seedHistories()
		r.deps.Narrator.Announce(r.ctx, narrator.TriggerGameStart, r.snapshotFor(0), "")
	}

	for {
		if r.ctx.Err() != nil {
			r.finalize(game.WinnerNone, "CANCELED")
			return
		}
		r.waitIfPaused()

		switch r.g.Phase {
		case game.PhaseNightWolf:
			r.runNightWolf()
		case game.PhaseNightSeer:
			r.runNightSeer()
		case game.PhaseNightWitch:
			r.runNightWitch()
		case game.PhaseNightHunter:
			// Only reachable by recovery: hunter phases normally run inline
			// within the announce and last-words handlers.
			r.resumeHunterPhase()
		case game.PhaseDayAnnounce:
			r.runDayAnnounce()
		case game.PhaseDaySpeech:
			r.runDaySpeech()
		case game.PhaseDayVote:
			r.runDayVote()
		case game.PhaseResolve:
			r.runResolve()
		case game.PhaseDayLastWords:
			r.runLastWords()
		case game.PhaseEnded:
			return
		default:
			r.abortInternal(fmt.Errorf("unknown phase %s", r.g.Phase))
			return
		}
	}
}

// seedHistories gives every seat its opening private context.
func (r *gameRunner) seedHistories() {
	for i := range r.g.Seats {
		s := &r.g.Seats[i]
		line := fmt.Sprintf("You were dealt %s.", s.Role)
		if s.Role == game.RoleWerewolf {
			var mates []int
			for _, w := range r.g.WolfSeats() {
				if w != s.SeatNumber {
					mates = append(mates, w)
				}
			}
			line += fmt.Sprintf(" Your pack: seats %v.", mates)
		}
		r.histories[s.SeatNumber] = []string{line}
	}
}

func (r *gameRunner) appendPublicHistory(line string) {
	for seat := range r.histories {
		r.histories[seat] = append(r.histories[seat], line)
	}
}

func (r *gameRunner) appendPrivateHistory(seat int, line string) {
	r.histories[seat] = append(r.histories[seat], line)
}

func (r *gameRunner) isHuman(seat int) bool {
	s := r.g.Seat(seat)
	return s != nil && s.Kind == game.ParticipantHuman
}

// transition moves to the next phase, announces it on the bus, logs it, and
// persists a snapshot. Snapshots at phase boundaries are what restart
// recovery resumes from.
func (r *gameRunner) transition(p game.Phase) {
	if err := r.mutateChecked(func() error { return r.g.SetPhase(p) }); err != nil {
		r.abortInternal(err)
		return
	}
	r.deps.Metrics.PhaseTransitions.WithLabelValues(string(p)).Inc()
	r.deps.Bus.Publish(r.g.RoomCode, types.BusEvent{
		Type:  types.EventPhaseChanged,
		Day:   r.g.DayNumber,
		Phase: string(p),
	})
	r.appendAudit(audit.Entry{
		Type:       "phase_changed",
		Content:    string(p),
		Visibility: audit.VisPublic,
	})
	r.persistSnapshot()
}

func (r *gameRunner) appendAudit(e audit.Entry) {
	e.RoomCode = r.g.RoomCode
	e.Day = r.g.DayNumber
	if e.Phase == "" {
		e.Phase = r.g.Phase
	}
	r.deps.Log.Append(r.ctx, e)
	r.deps.Metrics.AuditAppends.Inc()
}

func (r *gameRunner) persistSnapshot() {
	stateJSON, err := game.Marshal(r.g)
	if err != nil {
		r.logger.Warn("cannot marshal game state", zap.Error(err))
		return
	}
	if err := r.deps.Store.SaveGameSnapshot(context.Background(), store.GameSnapshot{
		GameID:    r.g.GameID,
		RoomCode:  r.g.RoomCode,
		StateJSON: stateJSON,
		SavedAt:   time.Now().UTC(),
	}); err != nil {
		r.logger.Warn("cannot persist snapshot", zap.Error(err))
	}
}

// abortInternal handles an invariant breach: the game dies, the process
// does not.
func (r *gameRunner) abortInternal(err error) {
	r.logger.Error("invariant violation, aborting game", zap.Error(err))
	r.appendAudit(audit.Entry{
		Type:       "internal_error",
		Content:    err.Error(),
		Visibility: audit.VisDebug,
	})
	r.finalize(game.WinnerNone, "INTERNAL_ERROR")
}

// finalize ends the game exactly once: terminal bus event with the full
// seat reveal, audit entry, room status, queue task, prompt teardown.
func (r *gameRunner) finalize(winner game.Winner, cause string) {
	alreadyEnded := r.g.Phase == game.PhaseEnded && !r.g.EndedAt.IsZero()
	if alreadyEnded {
		return
	}

	r.mutate(func() {
		if winner != game.WinnerNone && r.g.Winner == game.WinnerNone {
			_ = r.g.SetWinner(winner)
		} else {
			r.g.EndWithoutWinner()
		}
	})
	r.deps.Broker.CancelRoom(r.g.RoomCode)

	reveal := make([]map[string]any, len(r.g.Seats))
	for i := range r.g.Seats {
		s := &r.g.Seats[i]
		reveal[i] = map[string]any{
			"seat":  s.SeatNumber,
			"name":  s.DisplayName,
			"role":  s.Role,
			"alive": s.Alive,
		}
	}
	payload := map[string]any{
		"winner":       winner,
		"cause":        cause,
		"seats_reveal": reveal,
	}
	r.deps.Bus.Publish(r.g.RoomCode, types.BusEvent{
		Type:    types.EventGameEnded,
		Day:     r.g.DayNumber,
		Phase:   string(game.PhaseEnded),
		Payload: types.MustMarshal(payload),
	})
	r.appendAudit(audit.Entry{
		Type:       "game_ended",
		Content:    string(winner),
		Phase:      game.PhaseEnded,
		Visibility: audit.VisPublic,
		Metadata:   map[string]string{"cause": cause},
	})
	r.persistSnapshot()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.deps.Store.SetRoomStatus(ctx, r.g.RoomCode, store.RoomStatusFinished); err != nil {
		r.logger.Warn("cannot mark room finished", zap.Error(err))
	}
	r.deps.Narrator.Release(r.g.RoomCode)
	r.publishFinishedTask(ctx, winner, cause)

	r.logger.Info("game finished",
		zap.String("winner", string(winner)),
		zap.String("cause", cause),
		zap.Int("days", r.g.DayNumber))
}

func (r *gameRunner) publishFinishedTask(ctx context.Context, winner game.Winner, cause string) {
	if r.deps.Tasks == nil {
		return
	}
	task := queue.Task{
		ID:       uuid.NewString(),
		Type:     "game_finished",
		RoomCode: r.g.RoomCode,
		GameID:   r.g.GameID,
		Data: map[string]interface{}{
			"winner":   string(winner),
			"cause":    cause,
			"days":     r.g.DayNumber,
			"duration": r.g.EndedAt.Sub(r.g.StartedAt).String(),
		},
		Priority: 5,
	}
	if err := r.deps.Tasks.Publish(ctx, task); err != nil {
		r.logger.Warn("cannot publish game_finished task", zap.Error(err))
	}
}
