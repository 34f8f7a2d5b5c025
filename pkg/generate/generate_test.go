package generate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tr1pa/Dataset-Generator/pkg/labels"
)

// createTestImage creates a small solid image
func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{200, 40, 40, 255})
		}
	}
	return img
}

func dataURL(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, createTestImage(8, 6)))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func imageResponse(t *testing.T, cost float64) []byte {
	t.Helper()
	resp := ChatCompletionResponse{
		Choices: []Choice{{Message: ResponseMessage{Role: "assistant", Images: []ImagePart{{Type: "image_url", ImageURL: ImageURL{URL: dataURL(t)}}}}}},
		Usage:   Usage{Cost: cost},
	}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	return data
}

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func newTestClient(t *testing.T, url string, rec *sleepRecorder) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{BaseURL: url, APIKey: "test-key", Sleep: rec.sleep})
	require.NoError(t, err)
	return c
}

func TestGenerateDecodesImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultModel, req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "a prompt", req.Messages[0].Content)
		w.Write(imageResponse(t, 0.04))
	}))
	defer srv.Close()

	img, cost, err := newTestClient(t, srv.URL, &sleepRecorder{}).Generate(context.Background(), "a prompt")
	require.NoError(t, err)
	assert.Equal(t, 0.04, cost)
	assert.Equal(t, image.Pt(8, 6), img.Bounds().Size())
	assert.Equal(t, uint8(255), img.NRGBAAt(0, 0).A)
}

func TestGenerateRateLimitBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(imageResponse(t, 0.05))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	img, _, err := newTestClient(t, srv.URL, rec).Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.NotNil(t, img)
	assert.Equal(t, []time.Duration{20 * time.Second}, rec.calls)
}

func TestGenerateRateLimitExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	_, _, err := newTestClient(t, srv.URL, rec).Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, []time.Duration{20 * time.Second, 40 * time.Second}, rec.calls)
}

func TestGenerateNoBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	_, _, err := newTestClient(t, srv.URL, &sleepRecorder{}).Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrNoBalance)
}

func TestGenerateOtherStatusAndMissingImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &sleepRecorder{})
	_, _, err := c.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrNoImage)

	img, cost, err := c.decodeResponse([]byte(`{"choices":[{"message":{"content":"sorry"}}],"usage":{"cost":0.01}}`))
	assert.ErrorIs(t, err, ErrNoImage)
	assert.Nil(t, img)
	assert.Equal(t, 0.01, cost)
}

func TestBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/key", r.URL.Path)
		w.Write([]byte(`{"data":{"usage":1.5,"limit":10}}`))
	}))
	defer srv.Close()

	bal, err := newTestClient(t, srv.URL, &sleepRecorder{}).Balance(context.Background())
	require.NoError(t, err)
	rem, ok := bal.Remaining()
	assert.True(t, ok)
	assert.InDelta(t, 8.5, rem, 1e-9)

	_, ok = Balance{Usage: 3}.Remaining()
	assert.False(t, ok)
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}

func TestSchedule(t *testing.T) {
	classes := DefaultClasses()
	jobs := Schedule(classes, 10, rand.New(rand.NewSource(3)))
	require.Len(t, jobs, 10)

	counts := map[int]int{}
	for _, j := range jobs {
		counts[j.Class.ID]++
		assert.Contains(t, j.Class.Prompts, j.Prompt)
	}
	assert.Equal(t, map[int]int{0: 4, 1: 3, 2: 3}, counts)

	assert.Empty(t, Schedule(classes, 0, rand.New(rand.NewSource(3))))
	assert.Equal(t, []string{"damaged_seat", "damaged_floor", "damaged_metal"}, ClassNames(classes))
	assert.Equal(t, labels.DefaultClasses, ClassNames(classes))
}

type fakeGenerator struct {
	balance Balance
	errs    []error
	calls   int
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (*image.NRGBA, float64, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, 0, f.errs[i]
	}
	return createTestImage(16, 16), 0.04, nil
}

func (f *fakeGenerator) Balance(ctx context.Context) (Balance, error) {
	return f.balance, nil
}

func newTestRunner(gen Generator, dir string, total int) *Runner {
	opts := DefaultRunnerOptions()
	opts.OutputDir = dir
	opts.Total = total
	opts.Rand = rand.New(rand.NewSource(1))
	opts.Logger = log.New(io.Discard, "", 0)
	opts.Sleep = func(context.Context, time.Duration) error { return nil }
	return NewRunner(gen, opts)
}

func TestRunnerWritesDataset(t *testing.T) {
	dir := t.TempDir()
	report, err := newTestRunner(&fakeGenerator{}, dir, 6).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, report.Planned)
	assert.Equal(t, 6, report.Written)
	assert.InDelta(t, 0.24, report.Spent, 1e-9)
	assert.Equal(t, map[string]int{"damaged_seat": 2, "damaged_floor": 2, "damaged_metal": 2}, report.PerClass)

	assert.FileExists(t, filepath.Join(dir, "damaged_floor", "damaged_floor_0002.jpg"))
	data, err := os.ReadFile(filepath.Join(dir, "labels", "damaged_floor_0001.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1 0.500000 0.500000 1.000000 1.000000\n", string(data))

	names, err := labels.ReadClasses(filepath.Join(dir, labels.ClassesFile))
	require.NoError(t, err)
	assert.Equal(t, labels.DefaultClasses, names)
}

func TestRunnerCapsByBalance(t *testing.T) {
	limit := 0.1
	gen := &fakeGenerator{balance: Balance{Usage: 0, Limit: &limit}}
	report, err := newTestRunner(gen, t.TempDir(), 20).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Planned)
	assert.Equal(t, 2, gen.calls)
}

func TestRunnerStopsOnNoBalance(t *testing.T) {
	gen := &fakeGenerator{errs: []error{nil, ErrNoBalance}}
	report, err := newTestRunner(gen, t.TempDir(), 9).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Written)
	assert.Equal(t, 2, gen.calls)
	assert.Equal(t, "balance exhausted", report.Stopped)
}

func TestRunnerErrorBudget(t *testing.T) {
	errs := make([]error, 30)
	for i := range errs {
		errs[i] = errors.New("no image")
	}
	gen := &fakeGenerator{errs: errs}
	r := newTestRunner(gen, t.TempDir(), 30)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, report.Failed)
	assert.Equal(t, 16, gen.calls)
	assert.Equal(t, "too many errors", report.Stopped)
}
