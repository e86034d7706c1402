package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/devgianlu/go-mdnsd/registration"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const timeout = 10 * time.Second

type ApiServer struct {
	log         mdnsd.Logger
	allowOrigin string
	gatherer    prometheus.Gatherer

	close    bool
	listener net.Listener
	server   *http.Server

	requests chan ApiRequest

	clients     []*websocket.Conn
	clientsLock sync.RWMutex
}

var ErrRestartFailed = errors.New("restart failed")

type ApiRequestType string

const (
	ApiRequestTypeStatus     ApiRequestType = "status"
	ApiRequestTypeInterfaces ApiRequestType = "interfaces"
	ApiRequestTypeRestart    ApiRequestType = "restart"
)

type ApiEventType string

const (
	ApiEventTypeState ApiEventType = "state"
)

type ApiRequest struct {
	Type ApiRequestType
	Data any

	resp chan apiResponse
}

func (r *ApiRequest) Reply(data any, err error) {
	r.resp <- apiResponse{data, err}
}

type apiResponse struct {
	data any
	err  error
}

type ApiResponseStatusService struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Domain string   `json:"domain"`
	Port   int      `json:"port"`
	Txt    []string `json:"txt"`
}

type ApiResponseStatus struct {
	Version     string                    `json:"version"`
	State       registration.State        `json:"state"`
	LastAddress string                    `json:"last_address"`
	Service     *ApiResponseStatusService `json:"service"`
}

type ApiEvent struct {
	Type ApiEventType `json:"type"`
	Data any          `json:"data"`
}

func NewApiServer(log mdnsd.Logger, address string, port int, allowOrigin string, gatherer prometheus.Gatherer) (_ *ApiServer, err error) {
	s := &ApiServer{log: mdnsd.LoggerOrNull(log), allowOrigin: allowOrigin, gatherer: gatherer}
	s.requests = make(chan ApiRequest)

	s.listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("failed starting api listener: %w", err)
	}

	s.log.Infof("api server listening on %s", s.listener.Addr())
	return s, nil
}

// NewStubApiServer returns a server that never receives requests, used when the API is disabled.
func NewStubApiServer(log mdnsd.Logger) *ApiServer {
	return &ApiServer{log: mdnsd.LoggerOrNull(log), requests: make(chan ApiRequest)}
}

func (s *ApiServer) handleRequest(req ApiRequest, w http.ResponseWriter, r *http.Request) {
	req.resp = make(chan apiResponse, 1)

	select {
	case s.requests <- req:
	case <-r.Context().Done():
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var resp apiResponse
	select {
	case resp = <-req.resp:
	case <-r.Context().Done():
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if resp.err != nil {
		switch {
		case errors.Is(resp.err, ErrRestartFailed):
			s.log.WithError(resp.err).Warnf("restart requested through api failed")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": resp.err.Error()})
			return
		default:
			s.log.WithError(resp.err).Errorf("failed handling request %s", req.Type)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp.data)
}

func (s *ApiServer) handler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
	})
	m.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeStatus}, w, r)
	})
	m.HandleFunc("/interfaces", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeInterfaces}, w, r)
	})
	m.HandleFunc("/restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeRestart}, w, r)
	})
	if s.gatherer != nil {
		m.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	m.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		opts := &websocket.AcceptOptions{}
		if len(s.allowOrigin) > 0 {
			allow := s.allowOrigin
			allow = strings.TrimPrefix(allow, "http://")
			allow = strings.TrimPrefix(allow, "https://")
			allow = strings.TrimSuffix(allow, "/")
			opts.OriginPatterns = []string{allow}
		}

		c, err := websocket.Accept(w, r, opts)
		if err != nil {
			s.log.WithError(err).Errorf("failed accepting websocket connection")
			return
		}

		// add the client to the list
		s.clientsLock.Lock()
		s.clients = append(s.clients, c)
		s.clientsLock.Unlock()

		s.log.Debugf("new websocket client")

		for {
			_, _, err := c.Read(context.Background())
			if s.close {
				return
			} else if err != nil {
				s.log.WithError(err).Debugf("websocket connection closed")

				// remove the client from the list
				s.clientsLock.Lock()
				for i, cc := range s.clients {
					if cc == c {
						s.clients = append(s.clients[:i], s.clients[i+1:]...)
						break
					}
				}
				s.clientsLock.Unlock()
				return
			}
		}
	})

	c := cors.New(cors.Options{
		AllowedOrigins:      []string{s.allowOrigin},
		AllowPrivateNetwork: true,
		AllowCredentials:    true,
	})

	return c.Handler(m)
}

// Serve blocks serving the api until Close is called.
func (s *ApiServer) Serve() error {
	if s.listener == nil {
		return nil
	}

	s.server = &http.Server{Handler: s.handler(), ReadHeaderTimeout: timeout}
	err := s.server.Serve(s.listener)
	if s.close || errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return fmt.Errorf("failed serving api: %w", err)
}

func (s *ApiServer) Emit(ev *ApiEvent) {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()

	s.log.Tracef("emitting websocket event: %s", ev.Type)

	for _, client := range s.clients {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := wsjson.Write(ctx, client, ev)
		cancel()
		if err != nil {
			// purposely do not propagate this to the caller
			s.log.WithError(err).Errorf("failed communicating with websocket client")
		}
	}
}

func (s *ApiServer) Receive() <-chan ApiRequest {
	return s.requests
}

func (s *ApiServer) Close() {
	s.close = true

	// close all websocket clients
	s.clientsLock.RLock()
	for _, client := range s.clients {
		_ = client.Close(websocket.StatusGoingAway, "")
	}
	s.clientsLock.RUnlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
}
