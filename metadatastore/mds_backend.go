package metadatastore

import (
	"github.com/google/uuid"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/cmn"
)

// MDSNode is one node of a remote paged metadata server: a KvStore-like
// backend plus a way to ask how far its replica has fallen behind the
// master's TLog stream.
type MDSNode struct {
	Backend      Backend
	TLogsBehind  func() (int, error)
}

// MDSBackend is the remote paged metadata store option, with optional
// slaves. It always reads/writes through Nodes[0] (the master) until
// that fails, at which point it promotes the first
// slave whose lag is within MaxTLogsBehind -- mirroring the original's
// SlaveTooFarBehind failover policy.
type MDSBackend struct {
	Nodes           []MDSNode
	MaxTLogsBehind  int
	active          int
}

func NewMDSBackend(nodes []MDSNode, maxTLogsBehind int) *MDSBackend {
	return &MDSBackend{Nodes: nodes, MaxTLogsBehind: maxTLogsBehind}
}

func (m *MDSBackend) current() Backend { return m.Nodes[m.active].Backend }

// failover promotes the first node (other than the currently active
// one) whose replication lag is within the configured bound. Returns
// cmn.KindTransientBackend wrapping a "slave too far behind" message
// if none qualify.
func (m *MDSBackend) failover() error {
	for i, n := range m.Nodes {
		if i == m.active {
			continue
		}
		if n.TLogsBehind == nil {
			continue
		}
		behind, err := n.TLogsBehind()
		if err != nil {
			continue
		}
		if behind <= m.MaxTLogsBehind {
			glog.Warningf("metadatastore: mds failover from node %d to node %d (lag %d)", m.active, i, behind)
			m.active = i
			return nil
		}
	}
	return cmn.NewErr(cmn.KindTransientBackend, nil, "metadatastore: mds failover: all slaves too far behind (max %d tlogs)", m.MaxTLogsBehind)
}

func (m *MDSBackend) withFailover(fn func(Backend) error) error {
	err := fn(m.current())
	if err == nil || !cmn.IsKind(err, cmn.KindTransientBackend) {
		return err
	}
	if ferr := m.failover(); ferr != nil {
		return ferr
	}
	return fn(m.current())
}

func (m *MDSBackend) LoadPage(index uint32) (*Page, error) {
	var p *Page
	err := m.withFailover(func(b Backend) error {
		var err error
		p, err = b.LoadPage(index)
		return err
	})
	return p, err
}

func (m *MDSBackend) StorePage(page *Page) error {
	return m.withFailover(func(b Backend) error { return b.StorePage(page) })
}

func (m *MDSBackend) LoadCork() (uuid.UUID, bool, error) {
	var id uuid.UUID
	var found bool
	err := m.withFailover(func(b Backend) error {
		var err error
		id, found, err = b.LoadCork()
		return err
	})
	return id, found, err
}

func (m *MDSBackend) StoreCork(id uuid.UUID) error {
	return m.withFailover(func(b Backend) error { return b.StoreCork(id) })
}

func (m *MDSBackend) LoadScrubID(cloneID uint8) (uuid.UUID, bool, error) {
	var id uuid.UUID
	var found bool
	err := m.withFailover(func(b Backend) error {
		var err error
		id, found, err = b.LoadScrubID(cloneID)
		return err
	})
	return id, found, err
}

func (m *MDSBackend) StoreScrubID(cloneID uint8, id uuid.UUID) error {
	return m.withFailover(func(b Backend) error { return b.StoreScrubID(cloneID, id) })
}

func (m *MDSBackend) Close() error {
	var firstErr error
	for _, n := range m.Nodes {
		if err := n.Backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
