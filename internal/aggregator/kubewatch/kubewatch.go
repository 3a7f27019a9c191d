// Package kubewatch is the "direct watch" alternative to the sidecar feed:
// it polls a real Kubernetes API server for Pods and Services and feeds the
// same KubeIndex.Apply path the sidecar's wire frames do. Grounded on
// christine33-creator-k8-network-visualizer/internal/k8s/client.go's
// List-based Client (no informer machinery, just a clientset and
// metav1.ListOptions).
package kubewatch

import (
	"context"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/otus-agent/otus/internal/aggregator"
	"github.com/otus-agent/otus/internal/logging"
)

// Watcher polls the API server on an interval and rebuilds the target
// KubeIndex from the current Pod/Service list.
type Watcher struct {
	Clientset *kubernetes.Clientset
	Index     *aggregator.KubeIndex
	Interval  time.Duration
}

// New builds a Watcher using in-cluster config when available, falling
// back to the local kubeconfig — same resolution order as
// christine33's NewClient.
func New(kubeconfig string, index *aggregator.KubeIndex, interval time.Duration) (*Watcher, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			if home := homedir.HomeDir(); home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, err
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}

	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watcher{Clientset: clientset, Index: index, Interval: interval}, nil
}

// Run polls until ctx is cancelled, applying a fresh snapshot to Index on
// every tick (and once immediately on entry).
func (w *Watcher) Run(ctx context.Context) {
	log := logging.With("kubewatch")

	w.poll(ctx, log)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx, log)
		}
	}
}

func (w *Watcher) poll(ctx context.Context, log *logrus.Entry) {
	pollCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pods, err := w.Clientset.CoreV1().Pods("").List(pollCtx, metav1.ListOptions{})
	if err != nil {
		log.WithError(err).Warn("pod list failed")
		return
	}
	services, err := w.Clientset.CoreV1().Services("").List(pollCtx, metav1.ListOptions{})
	if err != nil {
		log.WithError(err).Warn("service list failed")
		return
	}

	objs := make([]aggregator.Object, 0, len(pods.Items)+len(services.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		ip := net.ParseIP(pod.Status.PodIP)
		if ip == nil {
			continue
		}
		containers := podContainers(pod)
		workload := podWorkload(pod)
		labels := formatLabels(pod.Labels)
		if pod.Spec.HostNetwork {
			objs = append(objs, aggregator.NewHostPod(pod.Name, pod.Namespace, labels, ip, containers, workload))
		} else {
			objs = append(objs, aggregator.NewPod(pod.Name, pod.Namespace, labels, ip, containers, workload))
		}
	}
	for i := range services.Items {
		svc := &services.Items[i]
		ip := net.ParseIP(svc.Spec.ClusterIP)
		if ip == nil {
			continue
		}
		objs = append(objs, aggregator.NewService(svc.Name, svc.Namespace, formatLabels(svc.Labels), ip))
	}

	w.Index.Apply(objs)
	log.WithField("pods", len(pods.Items)).WithField("services", len(services.Items)).Debug("kube snapshot applied")
}

func podContainers(pod *corev1.Pod) []aggregator.Container {
	ports := map[string][]uint16{}
	for _, c := range pod.Spec.Containers {
		for _, p := range c.Ports {
			ports[c.Name] = append(ports[c.Name], uint16(p.ContainerPort))
		}
	}

	out := make([]aggregator.Container, 0, len(pod.Status.ContainerStatuses))
	for _, cs := range pod.Status.ContainerStatuses {
		out = append(out, aggregator.Container{
			Name:  cs.Name,
			ID:    containerRuntimeID(cs.ContainerID),
			Image: cs.Image,
			Ports: ports[cs.Name],
		})
	}
	return out
}

// containerRuntimeID strips the "containerd://"/"docker://" scheme prefix
// the API server reports, matching the bare id procindex derives from
// /proc/<pid>/cgroup's kubepods path segment.
func containerRuntimeID(id string) string {
	if i := strings.LastIndex(id, "://"); i >= 0 {
		return id[i+3:]
	}
	return id
}

func podWorkload(pod *corev1.Pod) *aggregator.Workload {
	for _, ref := range pod.OwnerReferences {
		if ref.Controller != nil && *ref.Controller {
			return &aggregator.Workload{Name: ref.Name, NS: pod.Namespace}
		}
	}
	return nil
}

func formatLabels(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
