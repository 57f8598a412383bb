package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/Financial-Times/go-logger"
	core "k8s.io/api/core/v1"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

const (
	defaultNamespace  = "default"
	appPortName       = "app"
	zoneLabel         = "topology.kubernetes.io/zone"
	annotationPrefix  = "gateway.ft.com/"
	healthScoreAnnot  = annotationPrefix + metadataHealthScore
	responseTimeAnnot = annotationPrefix + metadataResponseTime
	zoneAnnot         = annotationPrefix + metadataZone
)

// k8sInstanceDiscovery lists the pods labelled app=<service> on every lookup.
type k8sInstanceDiscovery struct {
	k8sClient kubernetes.Interface
	namespace string
}

func newK8sInstanceDiscovery(k8sClient kubernetes.Interface, namespace string) *k8sInstanceDiscovery {
	return &k8sInstanceDiscovery{k8sClient: k8sClient, namespace: namespace}
}

func (d *k8sInstanceDiscovery) getInstances(ctx context.Context, service string) ([]serviceInstance, error) {
	k8sPods, err := d.k8sClient.CoreV1().Pods(d.namespace).List(ctx, v1.ListOptions{LabelSelector: fmt.Sprintf("app=%s", service)})
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of pods from k8s cluster: %w", err)
	}

	instances := []serviceInstance{}
	for _, k8sPod := range k8sPods.Items {
		if k8sPod.Status.PodIP == "" {
			continue
		}
		instances = append(instances, populateInstance(service, k8sPod))
	}
	return instances, nil
}

func populateInstance(service string, k8sPod core.Pod) serviceInstance {
	status := instanceStatusDown
	if isPodReady(k8sPod) {
		status = instanceStatusUp
	}

	zone := k8sPod.Annotations[zoneAnnot]
	if zone == "" {
		zone = k8sPod.Labels[zoneLabel]
	}

	metadata := map[string]string{metadataStatus: status}
	if zone != "" {
		metadata[metadataZone] = zone
	}
	if v, ok := k8sPod.Annotations[healthScoreAnnot]; ok {
		metadata[metadataHealthScore] = v
	}
	if v, ok := k8sPod.Annotations[responseTimeAnnot]; ok {
		metadata[metadataResponseTime] = v
	}

	return serviceInstance{
		id:       k8sPod.Name,
		service:  service,
		host:     k8sPod.Status.PodIP,
		port:     getAppPortForPod(k8sPod),
		zone:     zone,
		status:   status,
		metadata: metadata,
	}
}

func isPodReady(k8sPod core.Pod) bool {
	if k8sPod.DeletionTimestamp != nil || k8sPod.Status.Phase != core.PodRunning {
		return false
	}
	for _, condition := range k8sPod.Status.Conditions {
		if condition.Type == core.PodReady {
			return condition.Status == core.ConditionTrue
		}
	}
	return false
}

func getAppPortForPod(k8sPod core.Pod) int32 {
	for _, container := range k8sPod.Spec.Containers {
		for _, port := range container.Ports {
			if port.Name == appPortName {
				return port.ContainerPort
			}
		}
	}
	return defaultInstancePort
}

// compositeDiscovery serves statically configured services first and asks
// the fallback for everything else.
type compositeDiscovery struct {
	static   *staticDiscovery
	fallback instanceDiscovery
}

func (d *compositeDiscovery) getInstances(ctx context.Context, service string) ([]serviceInstance, error) {
	instances, err := d.static.getInstances(ctx, service)
	if err != nil || len(instances) != 0 || d.fallback == nil {
		return instances, err
	}
	return d.fallback.getInstances(ctx, service)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 100,
			DialContext: (&net.Dialer{
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}
}

func newInClusterClient() (kubernetes.Interface, error) {
	// creates the in-cluster config
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
	}
	k8sClient, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create k8s client: %w", err)
	}
	log.Info("Kubernetes client initialised from in-cluster config")
	return k8sClient, nil
}

// checkInstanceHealth calls the good-to-go endpoint of one instance.
func checkInstanceHealth(ctx context.Context, client httpClient, instance serviceInstance) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/__gtg", instance.address()), nil)
	if err != nil {
		return fmt.Errorf("error constructing GTG request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("error performing GTG request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Error("Cannot close response body reader.")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GTG endpoint returned non-200 status (%v)", resp.StatusCode)
	}
	return nil
}
