// Package orchestrator manages worker Jobs on Kubernetes: the label-selector
// bot-presence oracle, Job creation with a per-job scratch volume, and the
// terminal-state checks used by the lifecycle tracker.
package orchestrator

import (
	"fmt"
	"log/slog"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewClientset builds a Kubernetes clientset, preferring the in-cluster
// service-account config and falling back to the local kubeconfig.
func NewClientset() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		slog.Info("Loaded in-cluster Kubernetes configuration")
	} else {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			rules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("loading kubernetes config: %w", err)
		}
		slog.Info("Loaded kubeconfig configuration")
	}
	return kubernetes.NewForConfig(cfg)
}
