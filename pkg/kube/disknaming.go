package kube

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// DiskNaming is the neuromation.io/v1 custom resource mapping a human
// readable disk name to a PVC id within a project namespace.
type DiskNaming struct {
	Namespace string
	Name      string
	DiskID    string
}

var diskNamingGVR = schema.GroupVersionResource{
	Group:    "neuromation.io",
	Version:  "v1",
	Resource: "disknamings",
}

const (
	diskNamingAPIVersion = "neuromation.io/v1"
	diskNamingKind       = "DiskNaming"
)

func diskNamingToUnstructured(naming DiskNaming) *unstructured.Unstructured {
	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": diskNamingAPIVersion,
			"kind":       diskNamingKind,
			"metadata": map[string]interface{}{
				"name":      naming.Name,
				"namespace": naming.Namespace,
			},
			"spec": map[string]interface{}{
				"disk_id": naming.DiskID,
			},
		},
	}
}

func diskNamingFromUnstructured(obj *unstructured.Unstructured) (DiskNaming, error) {
	diskID, _, err := unstructured.NestedString(obj.Object, "spec", "disk_id")
	if err != nil {
		return DiskNaming{}, fmt.Errorf("malformed DiskNaming %s/%s: %w", obj.GetNamespace(), obj.GetName(), err)
	}
	return DiskNaming{
		Namespace: obj.GetNamespace(),
		Name:      obj.GetName(),
		DiskID:    diskID,
	}, nil
}

func (c *Client) CreateDiskNaming(ctx context.Context, naming DiskNaming) error {
	_, err := c.dyn.Resource(diskNamingGVR).
		Namespace(naming.Namespace).
		Create(ctx, diskNamingToUnstructured(naming), metav1.CreateOptions{})
	return err
}

func (c *Client) GetDiskNaming(ctx context.Context, namespace, name string) (*DiskNaming, error) {
	obj, err := c.dyn.Resource(diskNamingGVR).
		Namespace(namespace).
		Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	naming, err := diskNamingFromUnstructured(obj)
	if err != nil {
		return nil, err
	}
	return &naming, nil
}

func (c *Client) ListDiskNamings(ctx context.Context, namespace string) ([]DiskNaming, error) {
	var (
		list *unstructured.UnstructuredList
		err  error
	)
	if namespace == "" {
		list, err = c.dyn.Resource(diskNamingGVR).List(ctx, metav1.ListOptions{})
	} else {
		list, err = c.dyn.Resource(diskNamingGVR).Namespace(namespace).List(ctx, metav1.ListOptions{})
	}
	if err != nil {
		return nil, err
	}
	namings := make([]DiskNaming, 0, len(list.Items))
	for i := range list.Items {
		naming, convErr := diskNamingFromUnstructured(&list.Items[i])
		if convErr != nil {
			return nil, convErr
		}
		namings = append(namings, naming)
	}
	return namings, nil
}

func (c *Client) DeleteDiskNaming(ctx context.Context, namespace, name string) error {
	return c.dyn.Resource(diskNamingGVR).
		Namespace(namespace).
		Delete(ctx, name, metav1.DeleteOptions{})
}
