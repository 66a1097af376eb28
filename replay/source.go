package replay

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/Kazuryu0907/new-rl-replay/errors"
	"github.com/Kazuryu0907/new-rl-replay/protocol"
)

// vlcPlaylistEntry is one entry of a VLC source playlist.
type vlcPlaylistEntry struct {
	Value    string `json:"value"`
	Selected bool   `json:"selected"`
	Hidden   bool   `json:"hidden"`
}

type vlcSettings struct {
	Playlist []vlcPlaylistEntry `json:"playlist"`
	Loop     bool               `json:"loop"`
}

type setInputSettingsRequest struct {
	InputName     string      `json:"inputName"`
	InputSettings vlcSettings `json:"inputSettings"`
	Overlay       bool        `json:"overlay"`
}

type createInputRequest struct {
	SceneName     string      `json:"sceneName"`
	InputName     string      `json:"inputName"`
	InputKind     string      `json:"inputKind"`
	InputSettings vlcSettings `json:"inputSettings"`
}

type mediaActionRequest struct {
	InputName        string `json:"inputName"`
	MediaInputAction string `json:"mediaInputAction"`
}

const (
	vlcInputKind       = "vlc_source"
	mediaActionRestart = "OBS_WEBSOCKET_MEDIA_INPUT_ACTION_RESTART"
)

// SourceController points a named VLC playback source at saved clips. Every
// operation round-trips through the dispatcher, even for a path already
// set: external state (manual source edits in the UI) cannot be assumed
// stable, so there is no local short-circuit.
type SourceController struct {
	req       Requester
	inputName string
	sceneName string
	logger    *slog.Logger
}

// NewSourceController creates a controller for the named input. sceneName
// is where EnsureSource creates the input; empty means the current program
// scene.
func NewSourceController(req Requester, inputName, sceneName string, logger *slog.Logger) *SourceController {
	if logger == nil {
		logger = slog.Default().With("component", "source")
	}
	return &SourceController{
		req:       req,
		inputName: inputName,
		sceneName: sceneName,
		logger:    logger,
	}
}

// InputName returns the controlled input's name.
func (c *SourceController) InputName() string { return c.inputName }

// SetClip points the source at a single clip.
func (c *SourceController) SetClip(ctx context.Context, path string) error {
	return c.setPlaylist(ctx, []string{path})
}

// PlayPlaylist points the source at a multi-clip playlist and restarts
// playback, for playing a run of highlights back to back.
func (c *SourceController) PlayPlaylist(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return errors.WrapInvalid(fmt.Errorf("empty playlist"),
			"SourceController", "PlayPlaylist", "validate playlist")
	}
	if err := c.setPlaylist(ctx, paths); err != nil {
		return err
	}
	return c.Restart(ctx)
}

func (c *SourceController) setPlaylist(ctx context.Context, paths []string) error {
	entries := make([]vlcPlaylistEntry, len(paths))
	for i, p := range paths {
		entries[i] = vlcPlaylistEntry{Value: p}
	}

	_, err := c.req.Call(ctx, protocol.RequestSetInputSettings, setInputSettingsRequest{
		InputName:     c.inputName,
		InputSettings: vlcSettings{Playlist: entries},
	})
	if err != nil {
		return c.mapRejection(err, "setPlaylist")
	}
	c.logger.Debug("playlist set", "input", c.inputName, "clips", len(paths))
	return nil
}

// Restart restarts playback of the source's current playlist.
func (c *SourceController) Restart(ctx context.Context) error {
	_, err := c.req.Call(ctx, protocol.RequestTriggerMediaAction, mediaActionRequest{
		InputName:        c.inputName,
		MediaInputAction: mediaActionRestart,
	})
	if err != nil {
		return c.mapRejection(err, "Restart")
	}
	return nil
}

// EnsureSource creates the VLC input if it does not exist yet. An input
// that already exists is not an error.
func (c *SourceController) EnsureSource(ctx context.Context) error {
	scene := c.sceneName
	if scene == "" {
		resp, err := c.req.Call(ctx, protocol.RequestGetCurrentScene, nil)
		if err != nil {
			return err
		}
		var data protocol.CurrentSceneData
		if err := unmarshalResponse(resp, &data); err != nil {
			return errors.WrapInvalid(err, "SourceController", "EnsureSource", "decode scene")
		}
		scene = data.SceneName
	}

	_, err := c.req.Call(ctx, protocol.RequestCreateInput, createInputRequest{
		SceneName:     scene,
		InputName:     c.inputName,
		InputKind:     vlcInputKind,
		InputSettings: vlcSettings{},
	})
	if err != nil {
		var rej *errors.RejectionError
		if stderrors.As(err, &rej) && rej.Code == protocol.StatusResourceAlreadyExists {
			c.logger.Debug("source already exists", "input", c.inputName)
			return nil
		}
		return err
	}
	c.logger.Info("created playback source", "input", c.inputName, "scene", scene)
	return nil
}

// mapRejection turns a resource-not-found rejection into SourceNotFound,
// keeping every other error as-is.
func (c *SourceController) mapRejection(err error, op string) error {
	var rej *errors.RejectionError
	if stderrors.As(err, &rej) && rej.Code == protocol.StatusResourceNotFound {
		return errors.WrapInvalid(
			fmt.Errorf("%w: input %q: %s", errors.ErrSourceNotFound, c.inputName, rej.Comment),
			"SourceController", op, "locate input")
	}
	return err
}

func unmarshalResponse(resp protocol.RequestResponse, v any) error {
	if len(resp.ResponseData) == 0 {
		return fmt.Errorf("response carries no data")
	}
	return json.Unmarshal(resp.ResponseData, v)
}
