package discovery

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

const (
	// PrimaryLabel is applied to the pod running the primary so a Service
	// can select it.
	PrimaryLabel      = "redis-role"
	PrimaryLabelValue = "master"
)

// Kubernetes lists running pods matching a label selector. Node IDs are pod
// names and addresses are podIP:port.
type Kubernetes struct {
	client    kubernetes.Interface
	namespace string
	selector  string
	port      int
}

func NewKubernetes(client kubernetes.Interface, namespace, selector string, port int) *Kubernetes {
	return &Kubernetes{
		client:    client,
		namespace: namespace,
		selector:  selector,
		port:      port,
	}
}

func (k *Kubernetes) Nodes(ctx context.Context) ([]cluster.NodeSpec, error) {
	pods, err := k.client.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: k.selector,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pods")
	}

	specs := make([]cluster.NodeSpec, 0, len(pods.Items))
	for _, pod := range pods.Items {
		// Pods that are starting, terminating or failed are left out.
		if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" || pod.DeletionTimestamp != nil {
			continue
		}
		specs = append(specs, cluster.NodeSpec{
			ID:   cluster.NodeID(pod.Name),
			Addr: net.JoinHostPort(pod.Status.PodIP, strconv.Itoa(k.port)),
		})
	}
	sortSpecs(specs)

	klog.V(2).InfoS("Discovered pods", "namespace", k.namespace, "selector", k.selector, "count", len(specs))
	return specs, nil
}

func (k *Kubernetes) Name() string { return "kubernetes" }

// Labeler keeps PrimaryLabel on the primary's pod only.
type Labeler struct {
	client    kubernetes.Interface
	namespace string
}

func NewLabeler(client kubernetes.Interface, namespace string) *Labeler {
	return &Labeler{client: client, namespace: namespace}
}

// MarkPrimary sets the primary label on the pod. It is idempotent.
func (l *Labeler) MarkPrimary(ctx context.Context, id cluster.NodeID) error {
	pod, err := l.client.CoreV1().Pods(l.namespace).Get(ctx, string(id), metav1.GetOptions{})
	if err != nil {
		return errors.Wrapf(err, "failed to get pod %s", id)
	}

	if pod.Labels[PrimaryLabel] == PrimaryLabelValue {
		return nil
	}
	if pod.Labels == nil {
		pod.Labels = make(map[string]string)
	}
	pod.Labels[PrimaryLabel] = PrimaryLabelValue

	if _, err := l.client.CoreV1().Pods(l.namespace).Update(ctx, pod, metav1.UpdateOptions{}); err != nil {
		return errors.Wrapf(err, "failed to label pod %s", id)
	}
	klog.InfoS("Set primary label on pod", "pod", id)
	return nil
}

// ClearPrimary removes the primary label. A missing pod is not an error.
func (l *Labeler) ClearPrimary(ctx context.Context, id cluster.NodeID) error {
	pod, err := l.client.CoreV1().Pods(l.namespace).Get(ctx, string(id), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to get pod %s", id)
	}

	if _, ok := pod.Labels[PrimaryLabel]; !ok {
		return nil
	}
	delete(pod.Labels, PrimaryLabel)

	if _, err := l.client.CoreV1().Pods(l.namespace).Update(ctx, pod, metav1.UpdateOptions{}); err != nil {
		return errors.Wrapf(err, "failed to unlabel pod %s", id)
	}
	klog.InfoS("Removed primary label from pod", "pod", id)
	return nil
}
