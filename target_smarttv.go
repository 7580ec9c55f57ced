package ecsviewer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	smarttv "github.com/nimsforest/nimsforestsmarttv"
	sprites "github.com/nimsforest/nimsforestsprites"
)

// SmartTVTarget shows the dashboard as a rendered scene on a Smart TV via
// DLNA. Frames go through nimsforestsprites and nimsforestsmarttv.
type SmartTVTarget struct {
	mu             sync.Mutex
	tv             *smarttv.TV
	renderer       *smarttv.Renderer
	sprites        *sprites.Renderer
	useJFIF        bool // Convert to JFIF format for better TV compatibility
	spriteOpts     sprites.Options
	minInterval    time.Duration
	lastSent       time.Time
	lastImageBytes []byte // Cache to avoid redundant updates
	logger         *slog.Logger
}

// TVOption configures a SmartTVTarget.
type TVOption func(*SmartTVTarget)

// WithJFIF enables JFIF conversion for better TV compatibility.
// Requires ffmpeg and imagemagick to be installed.
func WithJFIF(enable bool) TVOption {
	return func(t *SmartTVTarget) {
		t.useJFIF = enable
	}
}

// WithSpriteOptions sets the sprite renderer options.
func WithSpriteOptions(opts sprites.Options) TVOption {
	return func(t *SmartTVTarget) {
		t.spriteOpts = opts
	}
}

// WithTVMinInterval sets the minimum time between two frames. Updates
// arriving sooner are skipped. Browser hovers arrive far faster than a DLNA
// renderer can switch images; the default of zero sends every change.
func WithTVMinInterval(d time.Duration) TVOption {
	return func(t *SmartTVTarget) {
		t.minInterval = d
	}
}

// WithTVLogger sets the logger.
func WithTVLogger(l *slog.Logger) TVOption {
	return func(t *SmartTVTarget) {
		t.logger = l
	}
}

// NewSmartTVTarget creates a target that displays the dashboard on a Smart TV.
func NewSmartTVTarget(tv *smarttv.TV, opts ...TVOption) (*SmartTVTarget, error) {
	target := &SmartTVTarget{
		tv:      tv,
		useJFIF: true,
		spriteOpts: sprites.Options{
			Width:     1920,
			Height:    1080,
			FrameRate: 30,
			UseGPU:    false,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(target)
	}

	renderer, err := smarttv.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("create smarttv renderer: %w", err)
	}
	target.renderer = renderer

	spriteRenderer, err := sprites.New(target.spriteOpts)
	if err != nil {
		renderer.Close()
		return nil, fmt.Errorf("create sprite renderer: %w", err)
	}
	target.sprites = spriteRenderer

	return target, nil
}

// Name implements Target.
func (t *SmartTVTarget) Name() string {
	if t.tv != nil {
		return fmt.Sprintf("SmartTV(%s)", t.tv.Name)
	}
	return "SmartTV"
}

// Update implements Target.
func (t *SmartTVTarget) Update(ctx context.Context, state *ViewState) error {
	if state == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.minInterval > 0 && !t.lastSent.IsZero() && time.Since(t.lastSent) < t.minInterval {
		return nil
	}

	frame := t.sprites.Render(NewSpritesStateAdapter(state))
	if frame == nil {
		return fmt.Errorf("failed to render frame")
	}

	var jpegData []byte
	var err error
	if t.useJFIF {
		jpegData, err = convertToJFIF(ctx, frame)
	} else {
		jpegData, err = encodeJPEG(frame)
	}
	if err != nil {
		return fmt.Errorf("convert to JPEG: %w", err)
	}

	if bytes.Equal(jpegData, t.lastImageBytes) {
		return nil
	}

	if err := t.renderer.DisplayImageJPEG(ctx, t.tv, jpegData); err != nil {
		return fmt.Errorf("display on TV: %w", err)
	}
	t.lastImageBytes = jpegData
	t.lastSent = time.Now()
	t.logger.Debug("tv: frame sent", "tv", t.Name(), "sequence", state.Sequence, "bytes", len(jpegData))
	return nil
}

// Close implements Target.
func (t *SmartTVTarget) Close() error {
	if t.sprites != nil {
		t.sprites.Close()
	}
	if t.renderer != nil {
		t.renderer.Close()
	}
	return nil
}

// Stop stops playback on the TV.
func (t *SmartTVTarget) Stop(ctx context.Context) error {
	return t.renderer.Stop(ctx, t.tv)
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba
}

// convertToJFIF converts an image to a JFIF JPEG using ffmpeg and magick.
// Some TVs reject the plain encoder's output. If magick is missing the
// ffmpeg output is used as is.
func convertToJFIF(ctx context.Context, img image.Image) ([]byte, error) {
	rgba := toRGBA(img)
	bounds := rgba.Bounds()

	dir, err := os.MkdirTemp("", "ecsviewer-tv")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	raw := filepath.Join(dir, "frame.jpg")
	jfif := filepath.Join(dir, "frame_jfif.jpg")

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()),
		"-i", "pipe:0",
		"-vframes", "1",
		"-pix_fmt", "yuvj420p",
		"-q:v", "2",
		raw,
	)
	cmd.Stdin = bytes.NewReader(rgba.Pix)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}

	if err := exec.CommandContext(ctx, "magick", raw, jfif).Run(); err != nil {
		return os.ReadFile(raw)
	}
	return os.ReadFile(jfif)
}

// encodeJPEG encodes an image as standard JPEG (may not work on all TVs).
func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
