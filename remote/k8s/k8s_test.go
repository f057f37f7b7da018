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

package k8s

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"lab.nexedi.com/nexedi/persist/remote"
)

func pod(name, ns, app, ip string, phase corev1.PodPhase, ready bool) *corev1.Pod {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: map[string]string{"app": app}},
		Status: corev1.PodStatus{
			Phase:      phase,
			PodIP:      ip,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: status}},
		},
	}
}

func TestPeers(t *testing.T) {
	client := fake.NewSimpleClientset(
		pod("a", "shop", "orders", "10.0.0.2", corev1.PodRunning, true),
		pod("b", "shop", "orders", "10.0.0.1", corev1.PodRunning, true),
		pod("c", "shop", "orders", "10.0.0.3", corev1.PodPending, false),
		pod("d", "shop", "orders", "10.0.0.4", corev1.PodRunning, false),
		pod("e", "shop", "billing", "10.0.0.5", corev1.PodRunning, true),
		pod("f", "other", "orders", "10.0.0.6", corev1.PodRunning, true),
		pod("g", "shop", "orders", "", corev1.PodRunning, true),
	)

	d := New(client, "shop", "app=orders", 7000)
	addrv, err := d.Peers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, addrv)

	var _ remote.Discovery = d
}

func TestOpenParams(t *testing.T) {
	ctx := context.Background()
	_, err := remote.OpenDiscovery(ctx, "k8s", url.Values{"port": {"x"}})
	assert.ErrorContains(t, err, `invalid port "x"`)

	_, err = remote.OpenDiscovery(ctx, "nosuch", nil)
	assert.Error(t, err)
}
