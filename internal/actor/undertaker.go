package actor

import (
	"sort"
	"sync"

	"github.com/postalsys/denobo/internal/logging"
)

// Undertaker is a one-shot crawl that removes routes over a broken link
// from every routing table reachable from its branches. Gateways reached
// during the crawl pass it on to remote peers together with the names
// already visited, so each agent of the federated graph is visited once.
type Undertaker struct {
	branches []*Agent
	a, b     string

	visited map[string]struct{}
	removed int

	runOnce sync.Once
	done    chan struct{}
}

// NewUndertaker prepares a crawl for the broken link between a and b,
// starting at branches. visited seeds names already covered elsewhere.
func NewUndertaker(branches []*Agent, a, b string, visited []string) *Undertaker {
	u := &Undertaker{
		branches: branches,
		a:        a,
		b:        b,
		visited:  make(map[string]struct{}, len(visited)),
		done:     make(chan struct{}),
	}
	for _, name := range visited {
		u.visited[name] = struct{}{}
	}
	return u
}

// Start runs the crawl on a goroutine tracked by the branches' graph.
func (u *Undertaker) Start() {
	if len(u.branches) == 0 {
		u.Run()
		return
	}
	u.branches[0].graph.goWorker("undertaker", u.Run)
}

// Run performs the crawl on the calling goroutine. Only the first call has
// any effect.
func (u *Undertaker) Run() {
	u.runOnce.Do(func() {
		defer close(u.done)
		u.run()
	})
}

// Done is closed when the local crawl has finished.
func (u *Undertaker) Done() <-chan struct{} { return u.done }

// Removed returns the number of routing table entries removed locally.
func (u *Undertaker) Removed() int { return u.removed }

// Visited returns the names covered so far in sorted order.
func (u *Undertaker) Visited() []string {
	out := make([]string, 0, len(u.visited))
	for name := range u.visited {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (u *Undertaker) run() {
	var gateways []*Agent
	for _, branch := range u.branches {
		gateways = u.crawl(branch, gateways)
	}

	visited := u.Visited()
	forwarded := 0
	for _, gw := range gateways {
		forwarded += gw.gateway.ForwardInvalidation(u.a, u.b, visited)
	}

	if len(u.branches) > 0 {
		first := u.branches[0]
		first.metrics.RecordInvalidation(u.removed)
		first.logger.Debug("link invalidated",
			"link", u.a+"-"+u.b,
			logging.KeyCount, u.removed,
			"visited", len(visited),
			"forwarded", forwarded)
	}
}

// crawl visits start and everything reachable from it without re-entering
// visited agents. It returns gateways with any newly reached ones appended.
func (u *Undertaker) crawl(start *Agent, gateways []*Agent) []*Agent {
	stack := []*Agent{start}
	for len(stack) > 0 {
		agent := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := u.visited[agent.name]; seen {
			continue
		}
		u.visited[agent.name] = struct{}{}
		u.removed += agent.routes.InvalidateLink(u.a, u.b)
		if agent.gateway != nil {
			gateways = append(gateways, agent)
		}

		for _, name := range agent.graph.Neighbors(agent.name) {
			if _, seen := u.visited[name]; seen {
				continue
			}
			if nb := agent.graph.Lookup(name); nb != nil {
				stack = append(stack, nb)
			}
		}
	}
	return gateways
}
