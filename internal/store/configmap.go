package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ConfigMapStore keeps every document as one key of a single ConfigMap, so
// queue state survives pod restarts without a volume.
type ConfigMapStore struct {
	client client.Client
	key    types.NamespacedName
}

// NewConfigMapStore creates a store backed by the ConfigMap namespace/name.
// The ConfigMap is created on first write.
func NewConfigMapStore(cl client.Client, namespace, name string) (*ConfigMapStore, error) {
	if cl == nil {
		return nil, errors.New("client is required")
	}
	if strings.TrimSpace(namespace) == "" || strings.TrimSpace(name) == "" {
		return nil, errors.New("namespace and name are required")
	}
	return &ConfigMapStore{client: cl, key: types.NamespacedName{Namespace: namespace, Name: name}}, nil
}

func (s *ConfigMapStore) get(ctx context.Context) (*corev1.ConfigMap, error) {
	cm := &corev1.ConfigMap{}
	if err := s.client.Get(ctx, s.key, cm); err != nil {
		return nil, err
	}
	return cm, nil
}

func (s *ConfigMapStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	cm, err := s.get(ctx)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	data, ok := cm.Data[name]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(data), nil
}

func (s *ConfigMapStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return s.mutate(ctx, func(cm *corev1.ConfigMap) bool {
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		cm.Data[name] = string(data)
		return true
	})
}

func (s *ConfigMapStore) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	err := s.mutate(ctx, func(cm *corev1.ConfigMap) bool {
		if _, ok := cm.Data[name]; !ok {
			return false
		}
		delete(cm.Data, name)
		return true
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// mutate applies fn to the current ConfigMap and writes it back, retrying on
// resource-version conflicts.
func (s *ConfigMapStore) mutate(ctx context.Context, fn func(cm *corev1.ConfigMap) bool) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, err := s.get(ctx)
		if apierrors.IsNotFound(err) {
			cm = &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{
					Name:      s.key.Name,
					Namespace: s.key.Namespace,
					Labels: map[string]string{
						"app.kubernetes.io/name":       "noteflow",
						"app.kubernetes.io/managed-by": "noteflow",
					},
				},
			}
			if !fn(cm) {
				return ErrNotFound
			}
			if err := s.client.Create(ctx, cm); err != nil {
				if apierrors.IsAlreadyExists(err) {
					// lost the creation race; retry as an update
					return apierrors.NewConflict(corev1.Resource("configmaps"), s.key.Name, err)
				}
				return fmt.Errorf("failed to create configmap: %w", err)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(cm) {
			return nil
		}
		return s.client.Update(ctx, cm)
	})
}

func (s *ConfigMapStore) List(ctx context.Context, prefix string) ([]string, error) {
	cm, err := s.get(ctx)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for name := range cm.Data {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *ConfigMapStore) Ping(ctx context.Context) error {
	_, err := s.get(ctx)
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}

func (s *ConfigMapStore) Close() error { return nil }
