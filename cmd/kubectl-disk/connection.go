package main

import (
	"fmt"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
	"github.com/apolo-us/platform-disk-api/pkg/kube"
)

// newDiskService builds the disk service on top of the current kubeconfig
// context.
func newDiskService() (*disk.Service, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	configOverrides := &clientcmd.ConfigOverrides{}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)

	config, err := kubeConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	dynClient, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	gateway := kube.NewClientFromInterfaces(clientset, dynClient)
	return disk.NewService(gateway, "", 0), nil
}

// currentClusterName returns the kubeconfig current-context name, used when
// rendering disk URIs.
func currentClusterName() string {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})

	raw, err := kubeConfig.RawConfig()
	if err != nil || raw.CurrentContext == "" {
		return "default"
	}
	return raw.CurrentContext
}
