package pool

import (
	"sync"
	"time"

	"github.com/joao-brasil/enginepool/internal/engine"
)

// ConnState representa o estado do ciclo de vida de um handle no pool.
type ConnState int

const (
	ConnStateAvailable ConnState = iota // Disponível no pool
	ConnStateBusy                       // Em uso exclusivo por um chamador
	ConnStateClosed                     // Destruído (reaping, sessão inutilizável ou Close)
)

func (s ConnState) String() string {
	switch s {
	case ConnStateAvailable:
		return "available"
	case ConnStateBusy:
		return "busy"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handle encapsula uma sessão exclusiva do engine com metadados de pool.
// É a unidade gerenciada pelo Pool: pertence ao pool ou a exatamente um
// chamador ativo, nunca aos dois.
type Handle struct {
	mu sync.Mutex

	// session é a sessão do engine subjacente. Nunca compartilhada.
	session engine.Session

	// id é monotônico e único dentro do pool durante toda a vida do pool.
	id uint64

	// state só muda via Pool (lease, release, reaping, close).
	state ConnState

	// createdAt é o momento em que a sessão foi aberta.
	createdAt time.Time

	// lastUsedAt é a última vez que o handle foi adquirido ou devolvido.
	lastUsedAt time.Time

	// queryCount conta statements executados neste handle.
	queryCount uint64
}

// newHandle cria um novo Handle ocupado para o chamador que o abriu.
func newHandle(id uint64, session engine.Session) *Handle {
	now := time.Now()
	return &Handle{
		session:    session,
		id:         id,
		state:      ConnStateBusy,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// ID retorna o identificador único do handle.
func (h *Handle) ID() uint64 {
	return h.id
}

// State retorna o estado atual do handle.
func (h *Handle) State() ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// CreatedAt retorna o momento de criação da sessão.
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

// LastUsedAt retorna a última vez que o handle mudou de dono.
func (h *Handle) LastUsedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsedAt
}

// QueryCount retorna quantos statements já rodaram neste handle.
func (h *Handle) QueryCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queryCount
}

// markBusy transiciona o handle para o estado ocupado.
func (h *Handle) markBusy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = ConnStateBusy
	h.lastUsedAt = time.Now()
}

// markChecking marca o handle como ocupado sem tocar em lastUsedAt, para
// que o health check não adie o reaping.
func (h *Handle) markChecking() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = ConnStateBusy
}

// markAvailable devolve o handle ao estado disponível. Com touch=false o
// lastUsedAt é preservado (usado pelo health check para não adiar o reaping).
func (h *Handle) markAvailable(touch bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = ConnStateAvailable
	if touch {
		h.lastUsedAt = time.Now()
	}
}

// countQuery incrementa o contador de statements.
func (h *Handle) countQuery() {
	h.mu.Lock()
	h.queryCount++
	h.mu.Unlock()
}

// idleSince retorna há quanto tempo o handle não é usado, relativo a now.
func (h *Handle) idleSince(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Sub(h.lastUsedAt)
}

// usable indica se a sessão ainda pode servir statements.
func (h *Handle) usable() bool {
	return h.session.Usable()
}

// close fecha a sessão subjacente e marca o handle como fechado.
func (h *Handle) close() error {
	h.mu.Lock()
	h.state = ConnStateClosed
	h.mu.Unlock()
	return h.session.Close()
}
