// Copyright (C) 2024-2026  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Package k8s provides discovery of TCP remote-commit peers among
// Kubernetes pods.
//
//	tcp://:7000?discovery=k8s&namespace=ns&selector=app%3Dorders&port=7000[&kubeconfig=path]
//
// Peers are running, ready pods of namespace matching the label selector;
// their pod IPs are combined with port. Without kubeconfig the in-cluster
// configuration is used.
package k8s

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/nexedi/persist/remote"
)

// Discovery lists peer pods through the Kubernetes API.
type Discovery struct {
	client    kubernetes.Interface
	namespace string
	selector  string
	port      int
}

// New returns discovery of pods in namespace matching selector.
func New(client kubernetes.Interface, namespace, selector string, port int) *Discovery {
	return &Discovery{client: client, namespace: namespace, selector: selector, port: port}
}

func open(ctx context.Context, params url.Values) (_ remote.Discovery, err error) {
	defer xerr.Context(&err, "k8s discovery")

	namespace := params.Get("namespace")
	if namespace == "" {
		namespace = "default"
	}
	port, err := strconv.Atoi(params.Get("port"))
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q", params.Get("port"))
	}

	var cfg *rest.Config
	if kubeconfig := params.Get("kubeconfig"); kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(client, namespace, params.Get("selector"), port), nil
}

// Peers returns host:port of every running and ready matching pod, sorted.
func (d *Discovery) Peers(ctx context.Context) (_ []string, err error) {
	defer xerr.Contextf(&err, "k8s: list pods %s/%s", d.namespace, d.selector)

	podv, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{LabelSelector: d.selector})
	if err != nil {
		return nil, err
	}
	var addrv []string
	for i := range podv.Items {
		pod := &podv.Items[i]
		if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" || !ready(pod) {
			continue
		}
		addrv = append(addrv, net.JoinHostPort(pod.Status.PodIP, strconv.Itoa(d.port)))
	}
	sort.Strings(addrv)
	return addrv, nil
}

func ready(pod *corev1.Pod) bool {
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func init() {
	remote.RegisterDiscovery("k8s", open)
}
