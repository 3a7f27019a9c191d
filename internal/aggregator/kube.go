package aggregator

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/otus-agent/otus/internal/encoder"
	"github.com/otus-agent/otus/internal/logging"
	"github.com/otus-agent/otus/internal/wire"
)

// Container is one container inside a Pod object, grounded on
// original_source/src/augment/object.rs's Container.
type Container struct {
	Name  string   `json:"name"`
	ID    string   `json:"id"`
	Image string   `json:"image"`
	Ports []uint16 `json:"ports"`
}

// Workload names the controller (Deployment, StatefulSet, ...) that owns a
// Pod, when known.
type Workload struct {
	Name string `json:"name"`
	NS   string `json:"ns"`
}

// podIP is the tagged Host(ip)/Pod(ip) variant original_source/src/augment
// /object.rs's Pod carries: Host addresses key the index by container id,
// Pod addresses key it by address directly.
type podIP struct {
	Kind string `json:"kind"` // "Host" | "Pod"
	Addr net.IP `json:"ip"`
}

// Object is the Kubernetes metadata unit streamed from either the sidecar
// feed or kubewatch, grounded on original_source/src/augment/object.rs's
// internally-tagged Object enum: every field a Pod or Service variant
// carries is flattened onto one wire shape distinguished by Kind.
type Object struct {
	Kind       string          `json:"kind"` // "Pod" | "Service"
	Name       string          `json:"name"`
	NS         string          `json:"ns"`
	Labels     string          `json:"labels"`
	IP         json.RawMessage `json:"ip"`
	Containers []Container     `json:"containers,omitempty"`
	Workload   *Workload       `json:"workload,omitempty"`
}

// NewPod builds a Pod Object addressed directly by its own IP (the
// IP::Pod(ip) variant).
func NewPod(name, ns, labels string, ip net.IP, containers []Container, workload *Workload) Object {
	raw, _ := json.Marshal(podIP{Kind: "Pod", Addr: ip})
	return Object{Kind: "Pod", Name: name, NS: ns, Labels: labels, IP: raw, Containers: containers, Workload: workload}
}

// NewHostPod builds a Pod Object that shares its node's IP (the
// IP::Host(ip) variant) — indexed by container id instead of address,
// since host-networked pods don't have an address of their own to key on.
func NewHostPod(name, ns, labels string, hostIP net.IP, containers []Container, workload *Workload) Object {
	raw, _ := json.Marshal(podIP{Kind: "Host", Addr: hostIP})
	return Object{Kind: "Pod", Name: name, NS: ns, Labels: labels, IP: raw, Containers: containers, Workload: workload}
}

// NewService builds a Service Object, addressed by its cluster IP.
func NewService(name, ns, labels string, ip net.IP) Object {
	raw, _ := json.Marshal(ip)
	return Object{Kind: "Service", Name: name, NS: ns, Labels: labels, IP: raw}
}

type kubeEntry struct {
	kind       string
	name       string
	ns         string
	labels     string
	containers []Container
	workload   *Workload
}

// KubeIndex correlates flow endpoints with Kubernetes metadata, grounded on
// original_source/src/augment/augment.rs's Augment: two maps (by address,
// by container id) rebuilt atomically on every Apply, looked up by address
// first and container id second.
type KubeIndex struct {
	mu    sync.Mutex
	byIP  map[string]*kubeEntry
	byCID map[string]*kubeEntry
}

// NewKubeIndex returns an empty index.
func NewKubeIndex() *KubeIndex {
	return &KubeIndex{byIP: map[string]*kubeEntry{}, byCID: map[string]*kubeEntry{}}
}

// Apply replaces the whole index with the given object set. Applying the
// same set twice yields an identical index: Apply never merges with what
// came before, it always rebuilds from scratch.
func (ix *KubeIndex) Apply(objs []Object) {
	byIP := make(map[string]*kubeEntry, len(objs))
	byCID := make(map[string]*kubeEntry)

	for _, o := range objs {
		entry := &kubeEntry{kind: o.Kind, name: o.Name, ns: o.NS, labels: o.Labels, containers: o.Containers, workload: o.Workload}

		switch o.Kind {
		case "Pod":
			var v podIP
			if err := json.Unmarshal(o.IP, &v); err != nil {
				continue
			}
			switch v.Kind {
			case "Host":
				for _, c := range o.Containers {
					byCID[c.ID] = entry
				}
			case "Pod":
				if v.Addr != nil {
					byIP[v.Addr.String()] = entry
				}
			}
		case "Service":
			var ip net.IP
			if err := json.Unmarshal(o.IP, &ip); err != nil || ip == nil {
				continue
			}
			byIP[ip.String()] = entry
		}
	}

	ix.mu.Lock()
	ix.byIP, ix.byCID = byIP, byCID
	ix.mu.Unlock()
}

// Resolve looks up Kubernetes metadata for a flow endpoint: by address
// first, falling back to the endpoint process's container id.
func (ix *KubeIndex) Resolve(addr net.IP, containerID string) (*encoder.KubeMeta, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if addr != nil {
		if e, ok := ix.byIP[addr.String()]; ok {
			return e.toKubeMeta(containerID), true
		}
	}
	if containerID != "" {
		if e, ok := ix.byCID[containerID]; ok {
			return e.toKubeMeta(containerID), true
		}
	}
	return nil, false
}

func (e *kubeEntry) toKubeMeta(containerID string) *encoder.KubeMeta {
	m := &encoder.KubeMeta{
		Name:      e.name,
		Namespace: e.ns,
		Kind:      lowerKind(e.kind),
		Labels:    e.labels,
	}
	for _, c := range e.containers {
		if c.ID == containerID {
			m.ContainerName = c.Name
			break
		}
	}
	if e.workload != nil {
		m.WorkloadName = e.workload.Name
		m.WorkloadNS = e.workload.NS
	}
	return m
}

func lowerKind(kind string) string {
	switch kind {
	case "Pod":
		return "pod"
	case "Service":
		return "service"
	default:
		return kind
	}
}

// ListenKube accepts the sidecar feed: length-delimited JSON arrays of
// Object, one full Apply per frame, grounded on
// original_source/src/augment/augment.rs's listen()/client().
func ListenKube(ctx context.Context, addr string, ix *KubeIndex) error {
	log := logging.With("aggregator-kube")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.WithError(err).Warn("kube listener accept failed")
			return err
		}
		log.WithField("remote", conn.RemoteAddr()).Debug("kube sidecar connected")
		go serveKubeConn(conn, ix)
	}
}

func serveKubeConn(conn net.Conn, ix *KubeIndex) {
	log := logging.With("aggregator-kube")
	defer conn.Close()

	r := wire.NewReader(conn)
	for {
		var objs []Object
		if err := r.ReadFrame(&objs); err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("kube sidecar connection closed")
			}
			return
		}
		ix.Apply(objs)
	}
}
