package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileUploader(t *testing.T) {
	root := t.TempDir()
	u := &FileUploader{Root: root}

	require.NoError(t, u.Upload(context.Background(), UploadParams{Name: "a_red_fox/0.jpg", Data: []byte("jpeg")}))

	data, err := os.ReadFile(filepath.Join(root, "a_red_fox", "0.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)
}

func TestFileUploaderStaysInRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "out")
	u := &FileUploader{Root: root}

	require.NoError(t, u.Upload(context.Background(), UploadParams{Name: "../../escape.jpg", Data: []byte("x")}))

	_, err := os.Stat(filepath.Join(parent, "escape.jpg"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(root, "escape.jpg"))
	assert.NoError(t, err)
}

func TestFileUploaderListing(t *testing.T) {
	root := t.TempDir()
	u := &FileUploader{Root: root}
	ctx := context.Background()

	dirs, err := (&FileUploader{Root: filepath.Join(root, "missing")}).Dirs(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirs)

	for _, name := range []string{"old/1.jpg", "old/0.jpg", "new/0.jpg"} {
		require.NoError(t, u.Upload(ctx, UploadParams{Name: name, Data: []byte(name)}))
	}
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "old"), past, past))

	dirs, err = u.Dirs(ctx)
	require.NoError(t, err)
	require.Len(t, dirs, 2)
	assert.Equal(t, "new", dirs[0].Name)
	assert.Equal(t, "old", dirs[1].Name)

	files, err := u.Files(ctx, "old")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "0.jpg", files[0].Name)
	assert.Equal(t, int64(len("old/0.jpg")), files[0].Size)
	assert.Equal(t, "1.jpg", files[1].Name)

	_, err = u.Files(ctx, "nope")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type recordingUploader struct {
	names []string
	err   error
}

func (r *recordingUploader) Upload(_ context.Context, params UploadParams) error {
	r.names = append(r.names, params.Name)
	return r.err
}

func TestMultiUploader(t *testing.T) {
	a, b := &recordingUploader{}, &recordingUploader{}
	require.NoError(t, MultiUploader{a, b}.Upload(context.Background(), UploadParams{Name: "x"}))
	assert.Equal(t, []string{"x"}, a.names)
	assert.Equal(t, []string{"x"}, b.names)

	boom := errors.New("boom")
	failing, after := &recordingUploader{err: boom}, &recordingUploader{}
	err := MultiUploader{failing, after}.Upload(context.Background(), UploadParams{Name: "y"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, after.names)
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	body, err := io.ReadAll(in.Body)
	f.body = body
	return &s3.PutObjectOutput{}, err
}

func TestS3Uploader(t *testing.T) {
	client := &fakeS3{}
	u := &S3Uploader{Client: client, Bucket: "outputs"}

	err := u.Upload(context.Background(), UploadParams{
		Name:        "a_red_fox/0.jpg",
		Data:        []byte("jpeg"),
		ContentType: "image/jpeg",
		Metadata:    map[string]string{"prompt": "a red fox"},
	})
	require.NoError(t, err)

	assert.Equal(t, "outputs", aws.ToString(client.input.Bucket))
	assert.Equal(t, "a_red_fox/0.jpg", aws.ToString(client.input.Key))
	assert.Equal(t, "image/jpeg", aws.ToString(client.input.ContentType))
	assert.Equal(t, s3types.StorageClassIntelligentTiering, client.input.StorageClass)
	assert.Equal(t, "a red fox", client.input.Metadata["prompt"])
	assert.Equal(t, []byte("jpeg"), client.body)
}
