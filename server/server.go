// Package server exposes the live stream, the HLS wrapper playlists and a
// small player page over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ugparu/fmp4streamer"
	"github.com/ugparu/fmp4streamer/capture"
	"github.com/ugparu/fmp4streamer/utils/logger"
	"github.com/ugparu/fmp4streamer/writer/mp4stream"
)

const (
	cacheControl = "no-cache, no-store, must-revalidate"
	mpegURL      = "application/x-mpegURL"

	// Advertised duration of the endless single-entry media playlist.
	targetDuration = 49057
	bandwidth      = 150000
)

// Source is the frame slot shared with the capture loop.
type Source interface {
	mp4stream.FrameSource
	Published() uint64
}

// Settings configure the HTTP surface.
type Settings struct {
	Addr  string
	Debug bool // Registers the pprof handlers.
	Codec string
	Track fmp4streamer.Track
}

type client struct {
	id      string
	remote  string
	started time.Time
	stream  *mp4stream.Distributor
}

// Server is the HTTP server of the streamer.
type Server struct {
	settings Settings
	src      Source
	viewers  *capture.Viewers
	keys     fmp4streamer.KeyFrameRequester
	now      func() time.Time

	server *http.Server
	router *gin.Engine
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[string]*client

	startOnce *sync.Once
	closeOnce *sync.Once
}

// New builds the router. keys may be nil when the device cannot produce key
// frames on demand.
func New(settings Settings, src Source, viewers *capture.Viewers, keys fmp4streamer.KeyFrameRequester) *Server {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(cors, gin.Recovery())
	if settings.Debug {
		pprof.Register(router)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		settings:  settings,
		src:       src,
		viewers:   viewers,
		keys:      keys,
		now:       time.Now,
		router:    router,
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[string]*client),
		startOnce: &sync.Once{},
		closeOnce: &sync.Once{},
	}
	s.server = &http.Server{
		Addr:              settings.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second, //nolint:mnd
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	router.GET("/", func(c *gin.Context) { c.Redirect(http.StatusMovedPermanently, "/index.html") })
	router.GET("/index.html", s.getIndex)
	router.GET("/stream.m3u8", s.getMaster)
	router.GET("/streaminf.m3u8", s.getMedia)
	router.GET("/stream.mp4", s.getStream)
	router.GET("/status", s.getStatus)

	logger.Debug(s, "Initialized and set up")
	return s
}

func cors(c *gin.Context) {
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
	c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control, Range")
	c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusOK)
		return
	}
	c.Next()
}

func noCache(c *gin.Context) {
	c.Header("Age", "0")
	c.Header("Cache-Control", cacheControl)
}

// Handler returns the routes, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Close or Shutdown.
func (s *Server) Start() error {
	err := errors.New("HTTP server has been started already")
	s.startOnce.Do(func() {
		logger.Infof(s, "Listening on %s", s.settings.Addr)
		err = s.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	})
	return err
}

// Shutdown ends every stream and waits for the handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		logger.Info(s, "Shutting down")
		s.cancel()
		err = s.server.Shutdown(ctx)
	})
	return err
}

// Close stops the server without waiting for the handlers.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		logger.Warning(s, "Stopping and closing")
		s.cancel()
		_ = s.server.Close()
	})
}

func (s *Server) getIndex(c *gin.Context) {
	noCache(c)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(indexHTML, s.now().Unix(), s.settings.Codec)))
}

func (s *Server) getMaster(c *gin.Context) {
	noCache(c)
	body := fmt.Sprintf("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s\"\nstreaminf.m3u8\n",
		bandwidth, s.settings.Track.Width, s.settings.Track.Height, s.settings.Codec)
	c.Data(http.StatusOK, mpegURL, []byte(body))
}

func (s *Server) getMedia(c *gin.Context) {
	noCache(c)
	body := fmt.Sprintf("#EXTM3U\n#EXT-X-TARGETDURATION:%d\n#EXT-X-VERSION:4\n#EXTINF:%d.00,\nstream.mp4?%d\n#EXT-X-ENDLIST\n",
		targetDuration, targetDuration, s.now().Unix())
	c.Data(http.StatusOK, mpegURL, []byte(body))
}

func (s *Server) getStream(c *gin.Context) {
	id := uuid.NewString()
	cl := &client{
		id:      id,
		remote:  c.Request.RemoteAddr,
		started: s.now(),
	}
	cl.stream = mp4stream.New(s.src, s.settings.Track, s.viewers, s.keys, cl.remote)

	noCache(c)
	c.Header("Content-Type", fmt.Sprintf("video/mp4; codecs=%q", s.settings.Codec))
	c.Header("X-Request-Id", id)
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	s.mu.Lock()
	s.clients[id] = cl
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
	}()

	if err := cl.stream.Serve(c.Request.Context(), c.Writer); err != nil {
		logger.Infof(s, "Removed streaming client %s (%s): %v", cl.remote, id, err)
		return
	}
	logger.Infof(s, "Removed streaming client %s (%s)", cl.remote, id)
}

// ClientStatus describes one connected stream.
type ClientStatus struct {
	ID      string          `json:"id"`
	Remote  string          `json:"remote"`
	Since   time.Time       `json:"since"`
	State   string          `json:"state"`
	Traffic mp4stream.Stats `json:"traffic"`
}

// Status is the body of GET /status.
type Status struct {
	Viewers   int            `json:"viewers"`
	Wakes     uint64         `json:"wakes"`
	Sleeps    uint64         `json:"sleeps"`
	Published uint64         `json:"published"`
	Codec     string         `json:"codec"`
	Width     uint16         `json:"width"`
	Height    uint16         `json:"height"`
	Clients   []ClientStatus `json:"clients"`
}

func (s *Server) status() Status {
	st := Status{
		Viewers:   s.viewers.Count(),
		Wakes:     s.viewers.Wakes(),
		Sleeps:    s.viewers.Sleeps(),
		Published: s.src.Published(),
		Codec:     s.settings.Codec,
		Width:     s.settings.Track.Width,
		Height:    s.settings.Track.Height,
		Clients:   []ClientStatus{},
	}
	s.mu.Lock()
	for _, cl := range s.clients {
		st.Clients = append(st.Clients, ClientStatus{
			ID:      cl.id,
			Remote:  cl.remote,
			Since:   cl.started,
			State:   cl.stream.State().String(),
			Traffic: cl.stream.Stats(),
		})
	}
	s.mu.Unlock()
	sort.Slice(st.Clients, func(i, j int) bool { return st.Clients[i].Since.Before(st.Clients[j].Since) })
	return st
}

func (s *Server) getStatus(c *gin.Context) {
	noCache(c)
	c.JSON(http.StatusOK, s.status())
}

func (s *Server) String() string {
	return "HTTP " + s.settings.Addr
}

const indexHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>fmp4streamer</title>
<link rel="icon" href="data:;base64,iVBORw0KGgo=">
<style>
body { margin:0; padding:0; background-color:#303030; }
#stream {
  max-height: 100%%; max-width: 100%%; margin: auto; position: absolute;
  top: 0; left: 0; bottom: 0; right: 0;
}
</style>
</head>
<body>
  <video controls autoplay muted playsinline id="stream">
    <source src="stream.mp4?%d" type='video/mp4; codecs="%s"'>
    <source src="stream.m3u8" type="application/x-mpegURL">
  </video>
</body>
</html>
`
