package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// BlobStore uploads profile photos to a blob container.
type BlobStore struct {
	container *container.Client
}

func NewBlobStore(connStr, containerName string) (*BlobStore, error) {
	opts := azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: retryOptions(3, time.Minute, 15*time.Second)},
	}
	client, err := azblob.NewClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &BlobStore{container: client.ServiceClient().NewContainerClient(containerName)}, nil
}

// Upload replaces the blob at key and returns its URL.
func (b *BlobStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	bb := b.container.NewBlockBlobClient(key)
	_, err := bb.UploadBuffer(ctx, data, &blockblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return "", err
	}
	return bb.URL(), nil
}
