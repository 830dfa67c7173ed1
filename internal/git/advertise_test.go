package git_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanmoran/gitgate/internal/git"
)

// eventLog collects audit events delivered by an Auditor.
type eventLog struct {
	mu     sync.Mutex
	events []git.Event
}

func (l *eventLog) Record(e git.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []git.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]git.Event(nil), l.events...)
}

const sampleRefs = "003f1111111111111111111111111111111111111111 refs/heads/main\n0000"

func TestAdvertiser(t *testing.T) {
	setup := func(t *testing.T) (*git.Advertiser, *fakeBackend, *eventLog, *git.Auditor) {
		backend := &fakeBackend{refs: []byte(sampleRefs)}
		events := &eventLog{}
		auditor := git.NewAuditor(events, 16, zerolog.Nop())
		t.Cleanup(func() { auditor.Close() })

		advertiser := git.NewAdvertiser(newResolver(t, "demo"), backend, time.Minute, auditor, zerolog.Nop())
		return advertiser, backend, events, auditor
	}

	t.Run("prepends the service header and a flush to the refs", func(t *testing.T) {
		for _, service := range []git.Service{git.UploadPack, git.ReceivePack} {
			advertiser, backend, _, _ := setup(t)

			adv, err := advertiser.Advertise(context.Background(), "demo", string(service), git.AdvertiseOptions{})
			require.NoError(t, err)

			header, err := git.EncodeLine([]byte("# service=" + string(service) + "\n"))
			require.NoError(t, err)

			expected := string(header) + "0000" + sampleRefs
			assert.Equal(t, expected, string(adv.Body))
			assert.Equal(t, service, adv.Service)
			assert.Equal(t, "application/x-"+string(service)+"-advertisement", adv.ContentType)

			inv := backend.lastInvocation()
			assert.True(t, inv.AdvertiseRefs)
			assert.Equal(t, service, inv.Service)
			assert.Equal(t, "demo", inv.Location.Name)
		}
	})

	t.Run("the upload-pack header is byte exact", func(t *testing.T) {
		advertiser, _, _, _ := setup(t)

		adv, err := advertiser.Advertise(context.Background(), "demo", "git-upload-pack", git.AdvertiseOptions{})
		require.NoError(t, err)
		assert.Equal(t, "001e# service=git-upload-pack\n0000", string(adv.Body[:34]))
	})

	t.Run("forwards the protocol version and session", func(t *testing.T) {
		advertiser, backend, _, _ := setup(t)

		_, err := advertiser.Advertise(context.Background(), "demo", "git-upload-pack", git.AdvertiseOptions{
			GitProtocol: "version=2",
			SessionID:   "gitgate-abc",
		})
		require.NoError(t, err)

		inv := backend.lastInvocation()
		assert.Equal(t, "version=2", inv.GitProtocol)
		assert.Equal(t, "gitgate-abc", inv.SessionID)
	})

	t.Run("records an audit event", func(t *testing.T) {
		advertiser, _, events, auditor := setup(t)

		adv, err := advertiser.Advertise(context.Background(), "demo", "git-receive-pack", git.AdvertiseOptions{})
		require.NoError(t, err)
		require.NoError(t, auditor.Close())

		recorded := events.all()
		require.Len(t, recorded, 1)
		assert.Equal(t, "demo", recorded[0].Repo)
		assert.Equal(t, git.ReceivePack, recorded[0].Service)
		assert.Equal(t, git.PhaseAdvertise, recorded[0].Phase)
		assert.Equal(t, int64(len(adv.Body)), recorded[0].BytesOut)
		assert.True(t, recorded[0].Success)
	})

	t.Run("failure cases", func(t *testing.T) {
		t.Run("rejects unknown services without spawning", func(t *testing.T) {
			for _, token := range []string{"git-fetch-pack", "", "upload-pack", "GIT-UPLOAD-PACK", "git-upload-archive"} {
				advertiser, backend, _, _ := setup(t)

				_, err := advertiser.Advertise(context.Background(), "demo", token, git.AdvertiseOptions{})
				var invalid *git.InvalidServiceError
				require.ErrorAs(t, err, &invalid, token)
				assert.Equal(t, 400, git.StatusCode(err))
				assert.Equal(t, int32(0), backend.spawns.Load())
			}
		})

		t.Run("rejects unknown repositories without spawning", func(t *testing.T) {
			advertiser, backend, _, _ := setup(t)

			_, err := advertiser.Advertise(context.Background(), "missing", "git-upload-pack", git.AdvertiseOptions{})
			var notFound *git.NotFoundError
			require.ErrorAs(t, err, &notFound)
			assert.Equal(t, 404, git.StatusCode(err))
			assert.Equal(t, int32(0), backend.spawns.Load())
		})

		t.Run("passes backend failures through and audits them", func(t *testing.T) {
			advertiser, backend, events, auditor := setup(t)
			backend.advertiseErr = &git.BackendError{Service: git.UploadPack, Op: "advertise-refs", ExitCode: 128, Stderr: "fatal: bad object"}

			_, err := advertiser.Advertise(context.Background(), "demo", "git-upload-pack", git.AdvertiseOptions{})
			var backendErr *git.BackendError
			require.ErrorAs(t, err, &backendErr)
			assert.Equal(t, 500, git.StatusCode(err))

			require.NoError(t, auditor.Close())
			recorded := events.all()
			require.Len(t, recorded, 1)
			assert.False(t, recorded[0].Success)
			assert.ErrorAs(t, recorded[0].Err, &backendErr)
		})

		t.Run("bounds the backend call by the timeout", func(t *testing.T) {
			backend := &blockingAdvertiser{}
			advertiser := git.NewAdvertiser(newResolver(t, "demo"), backend, 50*time.Millisecond, nil, zerolog.Nop())

			_, err := advertiser.Advertise(context.Background(), "demo", "git-upload-pack", git.AdvertiseOptions{})
			require.ErrorIs(t, err, context.DeadlineExceeded)
		})
	})
}

// blockingAdvertiser waits for its context before failing.
type blockingAdvertiser struct {
	fakeBackend
}

func (b *blockingAdvertiser) AdvertiseRefs(ctx context.Context, inv git.Invocation) ([]byte, error) {
	<-ctx.Done()
	return nil, errors.Join(errors.New("advertisement interrupted"), ctx.Err())
}
