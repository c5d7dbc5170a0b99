// Package kubernetes implements the instance runner against a cluster. Each
// instance is one single-replica Deployment plus a NodePort Service; probes
// and invocations reach it through the configured node address. Image builds
// stay on the build host and are pushed to the shared registry.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"

	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	apiv1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"funchost/internal/config"
	"funchost/internal/core/runtime"
	"funchost/internal/scaffold"
	"funchost/pkg/rand"
)

const (
	namespace = "funchost"
	appLabel  = "funchost-instance"
)

type Client struct {
	clientset *kubernetes.Clientset
	lg        zerolog.Logger
	cfg       config.Config
	probe     *http.Client
}

func New(cfg config.Config, lg zerolog.Logger) (*Client, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return &Client{
		clientset: clientset,
		lg:        lg.With().Str("adapter", "kubernetes").Logger(),
		cfg:       cfg,
		probe:     &http.Client{},
	}, nil
}

// Start creates one single-replica Deployment and its NodePort Service. The
// handle is the shared resource name; the endpoint is the node address plus
// the allocated node port.
func (c *Client) Start(ctx context.Context, ref runtime.ImageRef) (runtime.Handle, runtime.Endpoint, error) {
	name := "funchost-inst-" + strings.ToLower(rand.ID16())
	labels := map[string]string{
		"app":      appLabel,
		"instance": name,
	}

	podSpec := apiv1.PodSpec{
		Containers: []apiv1.Container{
			{
				Name:  "function",
				Image: string(ref),
				Ports: []apiv1.ContainerPort{
					{ContainerPort: int32(scaffold.Port)},
				},
			},
		},
	}
	if c.cfg.RegistryUser != "" {
		podSpec.ImagePullSecrets = []apiv1.LocalObjectReference{
			{Name: "funchost-registry-secret"},
		}
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(1),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: apiv1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
	if _, err := c.clientset.AppsV1().Deployments(namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
		return "", runtime.Endpoint{}, apiErr("create deployment", err)
	}

	service := &apiv1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: apiv1.ServiceSpec{
			Selector: labels,
			Type:     apiv1.ServiceTypeNodePort,
			Ports: []apiv1.ServicePort{
				{
					Port:       int32(scaffold.Port),
					TargetPort: intstr.FromInt(scaffold.Port),
				},
			},
		},
	}
	created, err := c.clientset.CoreV1().Services(namespace).Create(ctx, service, metav1.CreateOptions{})
	if err != nil {
		_ = c.deleteResources(ctx, name)
		return "", runtime.Endpoint{}, apiErr("create service", err)
	}

	ep := runtime.Endpoint{Host: c.cfg.KubeNodeHost, Port: int(created.Spec.Ports[0].NodePort)}
	c.lg.Info().Str("deployment", name).Str("image", string(ref)).
		Int("node_port", ep.Port).Msg("instance deployment created")
	return runtime.Handle(name), ep, nil
}

// Stop deletes an instance's Deployment and Service. Missing resources are
// not errors.
func (c *Client) Stop(ctx context.Context, h runtime.Handle) error {
	if h == "" {
		return nil
	}
	c.lg.Info().Str("deployment", string(h)).Msg("deleting instance resources")
	return c.deleteResources(ctx, string(h))
}

func (c *Client) deleteResources(ctx context.Context, name string) error {
	deletePolicy := metav1.DeletePropagationForeground
	if err := c.clientset.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &deletePolicy,
	}); err != nil && !k8serrors.IsNotFound(err) {
		return apiErr("delete deployment", err)
	}
	if err := c.clientset.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !k8serrors.IsNotFound(err) {
		return apiErr("delete service", err)
	}
	return nil
}

// Probe checks instance liveness through the node port.
func (c *Client) Probe(ctx context.Context, ep runtime.Endpoint) runtime.Health {
	url := fmt.Sprintf("http://%s/healthz", ep.Addr())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return runtime.Unreachable
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return runtime.Unreachable
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return runtime.Unhealthy
	}
	return runtime.Healthy
}

// apiErr distinguishes an unreachable API server from an API rejection.
func apiErr(op string, err error) error {
	var urlErr *neturl.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w: %w", op, runtime.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func int32Ptr(i int32) *int32 { return &i }
