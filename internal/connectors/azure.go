package connectors

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// azureAPI is the subset of *azblob.Client the store relies on.
type azureAPI interface {
	UploadStream(ctx context.Context, container, blob string, body io.Reader, o *azblob.UploadStreamOptions) (azblob.UploadStreamResponse, error)
	DownloadStream(ctx context.Context, container, blob string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
	DeleteBlob(ctx context.Context, container, blob string, o *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error)
	NewListBlobsFlatPager(container string, o *azblob.ListBlobsFlatOptions) *runtime.Pager[azblob.ListBlobsFlatResponse]
}

type azureStore struct {
	client azureAPI
	// properties fetches blob properties; only its error is used.
	properties func(ctx context.Context, container, blob string) error
	container  string
	prefix     string
}

func NewAzureBlobStore(ctx context.Context) (Store, error) {
	account := os.Getenv("AZURE_STORAGE_ACCOUNT")
	key := os.Getenv("AZURE_STORAGE_KEY")
	container := os.Getenv("AZURE_BLOB_CONTAINER")
	if account == "" || key == "" || container == "" {
		return nil, fmt.Errorf("AZURE_STORAGE_ACCOUNT/AZURE_STORAGE_KEY/AZURE_BLOB_CONTAINER required for azure connector")
	}
	prefix := os.Getenv("AZURE_BLOB_PREFIX")
	credential, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("build shared key credential: %w", err)
	}
	url := os.Getenv("AZURE_BLOB_ENDPOINT")
	if url == "" {
		url = fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(url, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &azureStore{
		client: client,
		properties: func(ctx context.Context, container, blob string) error {
			_, err := client.ServiceClient().
				NewContainerClient(container).
				NewBlobClient(blob).
				GetProperties(ctx, nil)
			return err
		},
		container: container,
		prefix:    prefix,
	}, nil
}

func (a *azureStore) Name() string {
	return "azure"
}

func (a *azureStore) Put(ctx context.Context, container, key string, body io.Reader, _ int64) error {
	_, err := a.client.UploadStream(ctx, a.containerOr(container), joinKey(a.prefix, key), body, nil)
	if err != nil {
		return fmt.Errorf("azure upload %s: %w", key, err)
	}
	return nil
}

func (a *azureStore) Get(ctx context.Context, container, key string) (io.ReadCloser, error) {
	resp, err := a.client.DownloadStream(ctx, a.containerOr(container), joinKey(a.prefix, key), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("azure download %s: %w", key, err)
	}
	return resp.Body, nil
}

func (a *azureStore) Delete(ctx context.Context, container, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.containerOr(container), joinKey(a.prefix, key), nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("azure delete %s: %w", key, err)
	}
	return nil
}

func (a *azureStore) List(ctx context.Context, container, prefix string) ([]string, error) {
	full := joinKey(a.prefix, prefix)
	pager := a.client.NewListBlobsFlatPager(a.containerOr(container), &azblob.ListBlobsFlatOptions{
		Prefix: &full,
	})
	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			keys = append(keys, trimKeyPrefix(a.prefix, *item.Name))
		}
	}
	return keys, nil
}

func (a *azureStore) Exists(ctx context.Context, container, key string) (bool, error) {
	if err := a.properties(ctx, a.containerOr(container), joinKey(a.prefix, key)); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("azure properties %s: %w", key, err)
	}
	return true, nil
}

func (a *azureStore) containerOr(container string) string {
	if container == "" {
		return a.container
	}
	return container
}
