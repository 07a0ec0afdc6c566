package foc

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/cmn"
)

// Registration is one namespace's live state on the server: the
// backend it's persisting to, the cluster size it was registered
// with, and the owner tag that fences stale owners.
type Registration struct {
	Namespace   string
	ClusterSize uint32
	OwnerTag    uint64
	Backend     Backend
}

// BackendFactory builds the Backend for a namespace on its first
// Register; a later Register of the same namespace by a higher owner
// tag keeps the existing Backend. Swap in NewFileBackend-backed factories for a durable server, or
// NewMemBackend for ephemeral/test use.
type BackendFactory func(namespace string) (Backend, error)

// Server is the FailOverCacheServer. One Server can host many
// namespaces' registrations concurrently; each TCP connection is
// pinned to the namespace it registered, and a client reconnecting
// under a higher owner tag evicts the previous registration.
type Server struct {
	mu     sync.Mutex
	regs   map[string]*Registration
	newBackend BackendFactory
}

func NewServer(newBackend BackendFactory) *Server {
	return &Server{regs: make(map[string]*Registration), newBackend: newBackend}
}

// Serve accepts connections on ln until it errors or is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	var reg *Registration
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				glog.Warningf("foc server: read frame: %v", err)
			}
			return
		}
		reply, err := s.dispatch(&reg, frame)
		if err != nil {
			_ = WriteFrame(conn, errFrame(ErrCodeInternal, err.Error()))
			continue
		}
		if err := WriteFrame(conn, reply); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(reg **Registration, f Frame) (Frame, error) {
	switch f.Op {
	case OpRegister:
		p, err := UnmarshalRegisterPayload(f.Payload)
		if err != nil {
			return errFrame(ErrCodeBadRequest, err.Error()), nil
		}
		r, err := s.register(p)
		if err != nil {
			return errFrame(ErrCodeFenced, err.Error()), nil
		}
		*reg = r
		return okFrame(nil), nil

	case OpUnregister:
		if *reg != nil {
			s.unregister((*reg).Namespace, (*reg).OwnerTag)
			*reg = nil
		}
		return okFrame(nil), nil

	case OpAddEntries:
		if *reg == nil {
			return errFrame(ErrCodeNotRegistered, "not registered"), nil
		}
		if !s.isLive(*reg) {
			return errFrame(ErrCodeFenced, "owner tag superseded"), nil
		}
		entries, err := UnmarshalWireEntries(f.Payload)
		if err != nil {
			return errFrame(ErrCodeBadRequest, err.Error()), nil
		}
		for _, e := range entries {
			if err := (*reg).Backend.Add(e); err != nil {
				return errFrame(ErrCodeInternal, err.Error()), nil
			}
		}
		return okFrame(nil), nil

	case OpFlush:
		return okFrame(nil), nil

	case OpClear:
		if *reg == nil {
			return errFrame(ErrCodeNotRegistered, "not registered"), nil
		}
		if !s.isLive(*reg) {
			return errFrame(ErrCodeFenced, "owner tag superseded"), nil
		}
		if err := (*reg).Backend.Clear(); err != nil {
			return errFrame(ErrCodeInternal, err.Error()), nil
		}
		return okFrame(nil), nil

	case OpGetSCORange:
		if *reg == nil {
			return errFrame(ErrCodeNotRegistered, "not registered"), nil
		}
		minS, maxS, ok := (*reg).Backend.GetRange()
		buf := make([]byte, 9)
		if ok {
			buf[0] = 1
		}
		binary.LittleEndian.PutUint32(buf[1:5], minS)
		binary.LittleEndian.PutUint32(buf[5:9], maxS)
		return Frame{Op: ReplyOk, Payload: buf}, nil

	case OpRemoveUpTo:
		if *reg == nil {
			return errFrame(ErrCodeNotRegistered, "not registered"), nil
		}
		if !s.isLive(*reg) {
			return errFrame(ErrCodeFenced, "owner tag superseded"), nil
		}
		if len(f.Payload) < 4 {
			return errFrame(ErrCodeBadRequest, "short payload"), nil
		}
		sco := binary.LittleEndian.Uint32(f.Payload[0:4])
		if err := (*reg).Backend.RemoveUpTo(sco); err != nil {
			return errFrame(ErrCodeInternal, err.Error()), nil
		}
		return okFrame(nil), nil

	case OpGetSCO:
		if *reg == nil {
			return errFrame(ErrCodeNotRegistered, "not registered"), nil
		}
		if len(f.Payload) < 4 {
			return errFrame(ErrCodeBadRequest, "short payload"), nil
		}
		sco := binary.LittleEndian.Uint32(f.Payload[0:4])
		entries := (*reg).Backend.GetSCO(sco)
		var out []byte
		for _, e := range entries {
			out = append(out, e.Marshal()...)
		}
		return Frame{Op: ReplyOk, Payload: out}, nil

	default:
		return errFrame(ErrCodeBadRequest, "unknown opcode"), nil
	}
}

func (s *Server) register(p RegisterPayload) (*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.regs[p.Namespace]; ok {
		if p.OwnerTag <= existing.OwnerTag {
			return nil, cmn.NewErr(cmn.KindFenced, nil, "foc: owner tag %d <= existing %d for %s", p.OwnerTag, existing.OwnerTag, p.Namespace)
		}
		glog.Infof("foc server: namespace %s re-registered, evicting owner tag %d for %d", p.Namespace, existing.OwnerTag, p.OwnerTag)
		// the new owner inherits the evicted owner's backend rather than
		// starting from an empty one -- restart-time re-registration is
		// exactly the case a crashed owner relies on FOC to recover the
		// entries it never got to seal into its own TLog.
		reg := &Registration{Namespace: p.Namespace, ClusterSize: p.ClusterSize, OwnerTag: p.OwnerTag, Backend: existing.Backend}
		s.regs[p.Namespace] = reg
		return reg, nil
	}
	backend, err := s.newBackend(p.Namespace)
	if err != nil {
		return nil, err
	}
	reg := &Registration{Namespace: p.Namespace, ClusterSize: p.ClusterSize, OwnerTag: p.OwnerTag, Backend: backend}
	s.regs[p.Namespace] = reg
	return reg, nil
}

// isLive reports whether reg is still the namespace's current
// registration -- a connection's own *Registration pointer stays
// non-nil across a re-register by a higher owner tag, so dispatch must
// check identity against s.regs, not just nilness, to reject a stale
// owner's in-flight calls.
func (s *Server) isLive(reg *Registration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[reg.Namespace] == reg
}

func (s *Server) unregister(ns string, ownerTag uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.regs[ns]; ok && existing.OwnerTag == ownerTag {
		delete(s.regs, ns)
	}
}

func okFrame(payload []byte) Frame { return Frame{Op: ReplyOk, Payload: payload} }

func errFrame(code ErrCode, msg string) Frame {
	buf := make([]byte, 2+len(msg))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(code))
	copy(buf[2:], msg)
	return Frame{Op: ReplyErr, Payload: buf}
}

func isErrFrame(f Frame) bool { return f.Op == ReplyErr }

func parseErrFrame(f Frame) (ErrCode, string) {
	if len(f.Payload) < 2 {
		return ErrCodeInternal, "malformed error frame"
	}
	code := ErrCode(binary.LittleEndian.Uint16(f.Payload[0:2]))
	return code, string(f.Payload[2:])
}
