package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"
)

// AuthType selects how the gateway authenticates against the API server.
type AuthType string

const (
	AuthTypeNone    AuthType = "none"
	AuthTypeToken   AuthType = "token"
	AuthTypeCertKey AuthType = "certificate"
)

// IsDefaultStorageClassAnnotation marks the cluster default storage class.
const IsDefaultStorageClassAnnotation = "storageclass.kubernetes.io/is-default-class"

// Config contains the connection settings for the gateway.
type Config struct {
	EndpointURL string
	AuthType    AuthType

	// CAPath or CAData configure the cluster CA; CAData wins when both set.
	CAPath string
	CAData []byte

	// TokenPath is re-read on 401 and on TokenReloadInterval.
	TokenPath string
	Token     string

	ClientCertPath string
	ClientKeyPath  string

	Namespace string

	ConnTimeout  time.Duration
	ReadTimeout  time.Duration
	WatchTimeout time.Duration

	TokenReloadInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 100 * time.Second
	}
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = 30 * time.Minute
	}
	if c.TokenReloadInterval <= 0 {
		c.TokenReloadInterval = time.Minute
	}
	return c
}

// Client is the production Gateway backed by client-go.
type Client struct {
	kube         kubernetes.Interface
	dyn          dynamic.Interface
	watchTimeout time.Duration
}

// NewClient builds a gateway from explicit connection settings.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	restConfig, err := restConfigFor(cfg)
	if err != nil {
		return nil, err
	}

	kubeClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	dynClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	klog.V(4).Infof("Created kube gateway for %s (auth: %s)", cfg.EndpointURL, cfg.AuthType)
	return &Client{
		kube:         kubeClient,
		dyn:          dynClient,
		watchTimeout: cfg.WatchTimeout,
	}, nil
}

// NewClientFromInterfaces builds a gateway from pre-built clients. Used by
// the kubectl plugin, which connects through kubeconfig.
func NewClientFromInterfaces(kubeClient kubernetes.Interface, dynClient dynamic.Interface) *Client {
	return &Client{
		kube:         kubeClient,
		dyn:          dynClient,
		watchTimeout: 30 * time.Minute,
	}
}

func restConfigFor(cfg Config) (*rest.Config, error) {
	restConfig := &rest.Config{
		Host:    cfg.EndpointURL,
		Timeout: cfg.ReadTimeout,
		TLSClientConfig: rest.TLSClientConfig{
			CAFile: cfg.CAPath,
			CAData: cfg.CAData,
		},
	}
	restConfig.Dial = (&connTimeoutDialer{timeout: cfg.ConnTimeout}).DialContext
	restConfig.QPS = -1
	restConfig.Burst = -1

	switch cfg.AuthType {
	case AuthTypeNone, "":
		// Nothing to configure.
	case AuthTypeToken:
		if cfg.TokenPath != "" {
			reloader := newTokenReloader(cfg.TokenPath, cfg.TokenReloadInterval)
			restConfig.WrapTransport = func(rt http.RoundTripper) http.RoundTripper {
				return &tokenTransport{base: rt, reloader: reloader}
			}
		} else {
			restConfig.BearerToken = cfg.Token
		}
	case AuthTypeCertKey:
		restConfig.TLSClientConfig.CertFile = cfg.ClientCertPath
		restConfig.TLSClientConfig.KeyFile = cfg.ClientKeyPath
	default:
		return nil, fmt.Errorf("unknown kube auth type %q", cfg.AuthType)
	}
	return restConfig, nil
}

func (c *Client) CreatePVC(ctx context.Context, namespace string, pvc *corev1.PersistentVolumeClaim) (*corev1.PersistentVolumeClaim, error) {
	return c.kube.CoreV1().PersistentVolumeClaims(namespace).Create(ctx, pvc, metav1.CreateOptions{})
}

func (c *Client) GetPVC(ctx context.Context, namespace, name string) (*corev1.PersistentVolumeClaim, error) {
	return c.kube.CoreV1().PersistentVolumeClaims(namespace).Get(ctx, name, metav1.GetOptions{})
}

func (c *Client) ListPVCs(ctx context.Context, namespace, labelSelector string) ([]corev1.PersistentVolumeClaim, error) {
	list, err := c.kube.CoreV1().PersistentVolumeClaims(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (c *Client) PatchPVC(ctx context.Context, namespace, name string, patch []byte) (*corev1.PersistentVolumeClaim, error) {
	return c.kube.CoreV1().PersistentVolumeClaims(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
}

func (c *Client) DeletePVC(ctx context.Context, namespace, name string) error {
	return c.kube.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, name, metav1.DeleteOptions{})
}

func (c *Client) ListPods(ctx context.Context) (*corev1.PodList, error) {
	return c.kube.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
}

func (c *Client) WatchPods(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	timeoutSeconds := int64(c.watchTimeout / time.Second)
	return c.kube.CoreV1().Pods(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
		TimeoutSeconds:      &timeoutSeconds,
	})
}

func (c *Client) GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	return c.kube.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
}

func (c *Client) CreateNamespace(ctx context.Context, name string, labels map[string]string) (*corev1.Namespace, error) {
	namespace := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
	}
	return c.kube.CoreV1().Namespaces().Create(ctx, namespace, metav1.CreateOptions{})
}

func (c *Client) DefaultStorageClassName(ctx context.Context) (string, error) {
	classes, err := c.kube.StorageV1().StorageClasses().List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", err
	}
	for i := range classes.Items {
		if classes.Items[i].Annotations[IsDefaultStorageClassAnnotation] == "true" {
			return classes.Items[i].Name, nil
		}
	}
	return "", nil
}

func (c *Client) GetPV(ctx context.Context, name string) (*corev1.PersistentVolume, error) {
	return c.kube.CoreV1().PersistentVolumes().Get(ctx, name, metav1.GetOptions{})
}

func (c *Client) PatchPV(ctx context.Context, name string, patch []byte) (*corev1.PersistentVolume, error) {
	return c.kube.CoreV1().PersistentVolumes().Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
}

func (c *Client) ListNodeNames(ctx context.Context) ([]string, error) {
	nodes, err := c.kube.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(nodes.Items))
	for i := range nodes.Items {
		names = append(names, nodes.Items[i].Name)
	}
	return names, nil
}

// GetStatsSummary reads the kubelet stats summary through the API server
// node proxy.
func (c *Client) GetStatsSummary(ctx context.Context, node string) (*StatsSummary, error) {
	raw, err := c.kube.CoreV1().RESTClient().
		Get().
		Resource("nodes").
		Name(node).
		SubResource("proxy", "stats", "summary").
		Do(ctx).
		Raw()
	if err != nil {
		return nil, fmt.Errorf("failed to read stats summary of node %s: %w", node, err)
	}
	var summary StatsSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("failed to parse stats summary of node %s: %w", node, err)
	}
	return &summary, nil
}
