// Package server implements C8: a JSON-RPC 2.0 server, hosted on
// go-ethereum's own github.com/ethereum/go-ethereum/rpc server, exposing
// the "edb" namespace spec.md §5 names (edb_getTrace, edb_getSnapshotCount,
// edb_getSnapshotInfo, edb_getCode, edb_getContractABI, edb_getStorage,
// edb_getStorageDiff, edb_getNextCall, edb_getPrevCall, edb_evalOnSnapshot).
//
// Every session's Timeline is built once during preparation and never
// mutated afterward. The sessions map is guarded by a sync.RWMutex held
// only for the lookup; the Timeline itself is read without a lock.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ethdbg/edb/internal/model"
	"github.com/ethdbg/edb/internal/snapshot"
)

// Session is one prepared debugging target: the frozen timeline plus
// whatever the evaluator needs to answer EvalOnSnapshot against it.
type Session struct {
	TxHash   common.Hash
	Timeline *model.Timeline
	StateDB  *state.StateDB
	BlockCtx vm.BlockContext
	Eval     *snapshot.Evaluator
}

// Preparer runs the full C1-C7 pipeline for one transaction hash and
// returns a ready Session; supplied by cmd/edb so this package stays
// independent of pipeline wiring.
type Preparer func(ctx context.Context, txHash common.Hash) (*Session, error)

// Service is the RPC receiver registered under the "edb" namespace.
// Exported method FooBar becomes JSON-RPC method edb_fooBar, per
// go-ethereum/rpc's naming convention.
type Service struct {
	prepare Preparer

	mu       sync.RWMutex
	sessions map[common.Hash]*Session
}

func NewService(prepare Preparer) *Service {
	return &Service{prepare: prepare, sessions: make(map[common.Hash]*Session)}
}

func (s *Service) session(txHash common.Hash) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[txHash]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("edb: %s not prepared; call edb_prepare first", txHash)
	}
	return sess, nil
}

// Prepare runs the pipeline for txHash and caches the resulting session.
// Idempotent: re-preparing an already-prepared hash is a no-op that
// returns the snapshot count.
func (s *Service) Prepare(ctx context.Context, txHash common.Hash) (int, error) {
	s.mu.RLock()
	if sess, ok := s.sessions[txHash]; ok {
		s.mu.RUnlock()
		return sess.Timeline.Count(), nil
	}
	s.mu.RUnlock()

	sess, err := s.prepare(ctx, txHash)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.sessions[txHash] = sess
	s.mu.Unlock()
	return sess.Timeline.Count(), nil
}

// GetTrace returns the reconstructed call tree.
func (s *Service) GetTrace(ctx context.Context, txHash common.Hash) (*model.Trace, error) {
	sess, err := s.session(txHash)
	if err != nil {
		return nil, err
	}
	return sess.Timeline.Trace, nil
}

// GetSnapshotCount returns the dense [0,N) snapshot count.
func (s *Service) GetSnapshotCount(ctx context.Context, txHash common.Hash) (int, error) {
	sess, err := s.session(txHash)
	if err != nil {
		return 0, err
	}
	return sess.Timeline.Count(), nil
}

// GetSnapshotInfo returns one snapshot by id.
func (s *Service) GetSnapshotInfo(ctx context.Context, txHash common.Hash, id int) (*model.Snapshot, error) {
	sess, err := s.session(txHash)
	if err != nil {
		return nil, err
	}
	if id < 0 || id >= len(sess.Timeline.Snapshots) {
		return nil, fmt.Errorf("edb: snapshot %d out of range [0,%d)", id, len(sess.Timeline.Snapshots))
	}
	return &sess.Timeline.Snapshots[id], nil
}

// GetCode returns the instrumented deployed bytecode installed for addr.
func (s *Service) GetCode(ctx context.Context, txHash common.Hash, addr common.Address) ([]byte, error) {
	sess, err := s.session(txHash)
	if err != nil {
		return nil, err
	}
	artifact, ok := sess.Timeline.Artifacts[addr]
	if !ok {
		return nil, fmt.Errorf("edb: no artifact for %s", addr)
	}
	return artifact.DeployedBytecode, nil
}

// GetContractABI returns the raw JSON ABI acquired for addr.
func (s *Service) GetContractABI(ctx context.Context, txHash common.Hash, addr common.Address) ([]byte, error) {
	sess, err := s.session(txHash)
	if err != nil {
		return nil, err
	}
	artifact, ok := sess.Timeline.Artifacts[addr]
	if !ok {
		return nil, fmt.Errorf("edb: no artifact for %s", addr)
	}
	return artifact.ABI, nil
}

// GetStorage reads one storage slot as of snapshot id's database view.
func (s *Service) GetStorage(ctx context.Context, txHash common.Hash, id int, addr common.Address, slot common.Hash) (common.Hash, error) {
	sess, err := s.session(txHash)
	if err != nil {
		return common.Hash{}, err
	}
	if id < 0 || id >= len(sess.Timeline.Snapshots) {
		return common.Hash{}, fmt.Errorf("edb: snapshot %d out of range", id)
	}
	live := sess.StateDB.GetState(addr, slot)
	return sess.Timeline.StorageAt(addr, slot, id, live), nil
}

// GetStorageDiff reports every slot write observed between snapshots
// from and to (inclusive of `to`, exclusive of `from`) for addr.
func (s *Service) GetStorageDiff(ctx context.Context, txHash common.Hash, from, to int, addr common.Address) (map[common.Hash]common.Hash, error) {
	sess, err := s.session(txHash)
	if err != nil {
		return nil, err
	}
	if from < 0 || to >= len(sess.Timeline.Snapshots) || from > to {
		return nil, fmt.Errorf("edb: invalid snapshot range [%d,%d]", from, to)
	}
	out := make(map[common.Hash]common.Hash)
	for slot, writes := range sess.Timeline.StorageHistory[addr] {
		for _, w := range writes {
			if w.SnapshotID > from && w.SnapshotID <= to {
				out[slot] = w.Value
			}
		}
	}
	return out, nil
}

// GetNextCall returns the frame id of the call following frameID in the
// call tree's pre-order, or -1 if frameID is the last frame.
func (s *Service) GetNextCall(ctx context.Context, txHash common.Hash, frameID int) (int, error) {
	sess, err := s.session(txHash)
	if err != nil {
		return -1, err
	}
	frames := sess.Timeline.Trace.Frames
	for i, f := range frames {
		if f.ID == frameID && i+1 < len(frames) {
			return frames[i+1].ID, nil
		}
	}
	return -1, nil
}

// GetPrevCall returns the frame id of the call preceding frameID in the
// call tree's pre-order, or -1 if frameID is the first frame.
func (s *Service) GetPrevCall(ctx context.Context, txHash common.Hash, frameID int) (int, error) {
	sess, err := s.session(txHash)
	if err != nil {
		return -1, err
	}
	frames := sess.Timeline.Trace.Frames
	for i, f := range frames {
		if f.ID == frameID && i > 0 {
			return frames[i-1].ID, nil
		}
	}
	return -1, nil
}

// EvalOnSnapshot evaluates expr against whichever contract owns snapshot
// id's frame. The evaluation reads the session's post-transaction state:
// id selects the contract, not a point in time.
func (s *Service) EvalOnSnapshot(ctx context.Context, txHash common.Hash, id int, expr string) (*model.DecodedValue, error) {
	sess, err := s.session(txHash)
	if err != nil {
		return nil, err
	}
	if id < 0 || id >= len(sess.Timeline.Snapshots) {
		return nil, fmt.Errorf("edb: snapshot %d out of range", id)
	}
	snap := sess.Timeline.Snapshots[id]
	frame := frameByID(sess.Timeline.Trace, snap.FrameID)
	if frame == nil {
		return nil, errors.New("edb: snapshot has no owning frame")
	}
	artifact := sess.Timeline.Artifacts[frame.CodeAddress]
	return sess.Eval.EvalOnSnapshot(ctx, sess.StateDB, sess.BlockCtx, frame.CodeAddress, artifact, expr)
}

func frameByID(trace *model.Trace, id int) *model.CallFrame {
	if trace == nil {
		return nil
	}
	for i := range trace.Frames {
		if trace.Frames[i].ID == id {
			return &trace.Frames[i]
		}
	}
	return nil
}

// Server hosts the Service over HTTP JSON-RPC.
type Server struct {
	http *http.Server
	rpc  *rpc.Server
}

// NewServer builds a *rpc.Server, registers svc under the "edb"
// namespace, and wraps it in a plain net/http.Server -- the same
// two-layer shape go-ethereum's own node package uses (an *rpc.Server
// doing method dispatch, an *http.Server doing transport).
func NewServer(addr string, svc *Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("edb", svc); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/", rpcServer)

	return &Server{
		http: &http.Server{Addr: addr, Handler: mux},
		rpc:  rpcServer,
	}, nil
}

// Serve blocks until ctx is canceled, then shuts down with the given
// grace period.
func (s *Server) Serve(ctx context.Context, gracePeriod time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		log.Info("edb: serving", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	s.rpc.Stop()
	return s.http.Shutdown(shutdownCtx)
}
