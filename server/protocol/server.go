package protocol

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/buildbeaver/buildbeaver/common/certificates"
	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/services"
)

// TLSConfig carries the mTLS material for the tunnel; all three paths must
// be set together or all left empty (transport encryption is all-or-none).
type TLSConfig struct {
	CertPath   string
	KeyPath    string
	CACertPath string
}

func (c TLSConfig) enabled() bool {
	return c.CertPath != "" || c.KeyPath != "" || c.CACertPath != ""
}

// Config carries the Worker Protocol server's listen address and transport
// security settings.
type Config struct {
	BindAddress string
	TLS         TLSConfig
	// MaxMessageSize caps a single gRPC message, matching the Worker
	// Protocol's 50 MiB frame ceiling.
	MaxMessageSize int
}

const DefaultMaxMessageSize = 50 * 1024 * 1024

// session tracks one connected worker's half of the Tunnel stream.
type session struct {
	machineID models.MachineID
	send      chan *ServerFrame
}

// Server is the gRPC Worker Protocol server: one bidirectional Tunnel
// stream per worker, plus the unary RPCs a worker issues to pull inputs and
// report results.
type Server struct {
	cfg      Config
	service  services.WorkerProtocolService
	registry services.RegistryService
	logger.Log

	grpcServer *grpc.Server

	mu       sync.RWMutex
	sessions map[models.MachineID]*session
}

func NewServer(cfg Config, service services.WorkerProtocolService, registry services.RegistryService, logFactory logger.LogFactory) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		cfg:      cfg,
		service:  service,
		registry: registry,
		Log:      logFactory("WorkerProtocolServer"),
		sessions: make(map[models.MachineID]*session),
	}
}

// Start opens the listening socket and begins serving the Tunnel and unary
// RPCs. It returns once the listener is bound; serving continues on a
// background goroutine until Stop is called.
func (s *Server) Start() error {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(s.cfg.MaxMessageSize),
		grpc.MaxSendMsgSize(s.cfg.MaxMessageSize),
	}
	if s.cfg.TLS.enabled() {
		creds, err := s.loadServerTLS()
		if err != nil {
			return fmt.Errorf("error loading worker protocol TLS material: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	s.grpcServer = grpc.NewServer(opts...)
	s.grpcServer.RegisterService(s.serviceDesc(), s)

	lis, err := net.Listen("tcp", s.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("error binding worker protocol listener on %s: %w", s.cfg.BindAddress, err)
	}
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.Errorf("worker protocol server stopped serving: %v", err)
		}
	}()
	s.Infof("worker protocol server listening on %s", s.cfg.BindAddress)
	return nil
}

// Stop gracefully shuts down the gRPC server, waiting for in-flight Tunnel
// streams to drain.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// loadServerTLS loads the worker protocol server's certificate/key pair,
// generating a self-signed pair at the configured paths if neither file
// exists yet (so a fresh deployment can bind without an out-of-band PKI
// step), then loads the CA bundle used to verify connecting workers.
func (s *Server) loadServerTLS() (credentials.TransportCredentials, error) {
	host, _, err := net.SplitHostPort(s.cfg.BindAddress)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	certFile := certificates.CertificateFile(s.cfg.TLS.CertPath)
	keyFile := certificates.PrivateKeyFile(s.cfg.TLS.KeyPath)
	created, err := certificates.GenerateServerSelfSignedCertificate(certFile, keyFile, host, "BuildBeaver Queue Runner")
	if err != nil {
		return nil, fmt.Errorf("error ensuring worker protocol server certificate: %w", err)
	}
	if created {
		s.Infof("generated self-signed worker protocol server certificate at %s", certFile)
	}

	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("error loading server certificate/key: %w", err)
	}

	caCert, err := certificates.LoadCertificateFromPemFile(certificates.CertificateFile(s.cfg.TLS.CACertPath))
	if err != nil {
		return nil, fmt.Errorf("error loading ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(caCert.AsPEM())) {
		return nil, fmt.Errorf("error parsing ca certificate at %s", s.cfg.TLS.CACertPath)
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}), nil
}

// SendConfigUpdate implements registry.ConfigUpdateSender, pushing a
// ConfigUpdate frame into a connected worker's outbound queue.
func (s *Server) SendConfigUpdate(machineID models.MachineID, update services.ConfigUpdate) error {
	s.mu.RLock()
	sess, ok := s.sessions[machineID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("error no tunnel session for machine %s", machineID)
	}
	select {
	case sess.send <- &ServerFrame{Kind: ServerFrameConfigUpdate, ConfigUpdate: &update}:
		return nil
	default:
		return fmt.Errorf("error outbound queue full for machine %s", machineID)
	}
}

// DispatchBuild hands a Step to a connected worker, used by the Dispatcher
// once it has placed a Step on this Machine.
func (s *Server) DispatchBuild(machineID models.MachineID, assignment *BuildAssignment) error {
	s.mu.RLock()
	sess, ok := s.sessions[machineID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("error no tunnel session for machine %s", machineID)
	}
	select {
	case sess.send <- &ServerFrame{Kind: ServerFrameBuild, Build: assignment}:
		return nil
	default:
		return fmt.Errorf("error outbound queue full for machine %s", machineID)
	}
}

// AbortBuild tells a connected worker to stop an in-flight attempt.
func (s *Server) AbortBuild(machineID models.MachineID, internalBuildID string) error {
	s.mu.RLock()
	sess, ok := s.sessions[machineID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("error no tunnel session for machine %s", machineID)
	}
	select {
	case sess.send <- &ServerFrame{Kind: ServerFrameAbort, Abort: &AbortNotice{InternalBuildID: internalBuildID}}:
		return nil
	default:
		return fmt.Errorf("error outbound queue full for machine %s", machineID)
	}
}

// serviceDesc hand-builds the gRPC ServiceDesc that a protoc-generated
// _grpc.pb.go file would normally provide, wiring the Tunnel bidi stream
// and every unary RPC a worker calls outside the tunnel.
func (s *Server) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: "buildbeaver.workerprotocol.v1.WorkerProtocol",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "CheckVersion", Handler: s.handleCheckVersion},
			{MethodName: "FetchDrvRequisites", Handler: s.handleFetchDrvRequisites},
			{MethodName: "RequestPresignedURLs", Handler: s.handleRequestPresignedURLs},
			{MethodName: "NotifyPresignedUploadComplete", Handler: s.handleNotifyPresignedUploadComplete},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Tunnel",
				Handler:       s.handleTunnel,
				ServerStreams: true,
				ClientStreams: true,
			},
		},
		Metadata: "worker_protocol.proto",
	}
}

func (s *Server) handleCheckVersion(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(services.VersionRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	resp, err := s.service.CheckVersion(ctx, req)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "%v", err)
	}
	return resp, nil
}

func (s *Server) handleFetchDrvRequisites(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req struct {
		Path           models.DrvPath `json:"path"`
		IncludeOutputs bool           `json:"include_outputs"`
	}
	if err := dec(&req); err != nil {
		return nil, err
	}
	paths, err := s.service.FetchDrvRequisites(ctx, req.Path, req.IncludeOutputs)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return struct {
		Paths []models.DrvPath `json:"paths"`
	}{Paths: paths}, nil
}

func (s *Server) handleRequestPresignedURLs(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(services.PresignedURLRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	resp, err := s.service.RequestPresignedURLs(ctx, *req)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return resp, nil
}

func (s *Server) handleNotifyPresignedUploadComplete(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(services.PresignedUploadCompleteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if err := s.service.NotifyPresignedUploadComplete(ctx, *req); err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return &struct{}{}, nil
}

// handleTunnel drives one worker's bidirectional session: the mandatory
// Join frame, then a loop forwarding Ping/Log/StepUpdate/Result frames into
// the service layer while draining the outbound ConfigUpdate/Build/Abort
// queue onto the stream.
func (s *Server) handleTunnel(_ interface{}, stream grpc.ServerStream) error {
	ctx := stream.Context()

	var first ClientFrame
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}
	if first.Kind != ClientFrameJoin || first.Join == nil {
		return status.Error(codes.FailedPrecondition, "error first tunnel frame must be join")
	}

	joinResp, err := s.service.HandleJoin(ctx, first.Join)
	if err != nil {
		return status.Errorf(codes.FailedPrecondition, "%v", err)
	}
	machineID := models.MachineID{ResourceID: joinResp.MachineID}

	sess := &session{machineID: machineID, send: make(chan *ServerFrame, 64)}
	s.mu.Lock()
	s.sessions[machineID] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, machineID)
		s.mu.Unlock()
		if err := s.registry.Disconnect(context.Background(), machineID); err != nil {
			s.Warnf("error disconnecting machine %s: %v", machineID, err)
		}
	}()

	if err := stream.SendMsg(&ServerFrame{Kind: ServerFrameJoinAck, JoinAck: joinResp}); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go s.recvLoop(stream, sess, errCh)
	go s.sendLoop(stream, sess, errCh)

	return <-errCh
}

func (s *Server) recvLoop(stream grpc.ServerStream, sess *session, errCh chan<- error) {
	ctx := stream.Context()
	logChunks := make(chan services.LogChunk, 64)
	go func() {
		if err := s.service.BuildLog(ctx, logChunks); err != nil {
			s.Warnf("error appending build log for machine %s: %v", sess.machineID, err)
		}
	}()
	defer close(logChunks)

	for {
		var frame ClientFrame
		if err := stream.RecvMsg(&frame); err != nil {
			errCh <- err
			return
		}
		switch frame.Kind {
		case ClientFramePing:
			if frame.Ping != nil {
				if err := s.registry.Ping(ctx, frame.Ping.MachineID, frame.Ping.Stats); err != nil {
					s.Warnf("error recording ping from machine %s: %v", frame.Ping.MachineID, err)
				}
			}
		case ClientFrameLog:
			if frame.Log != nil {
				logChunks <- *frame.Log
			}
		case ClientFrameStepUpdate:
			if frame.StepUpdate != nil {
				if err := s.service.BuildStepUpdate(ctx, *frame.StepUpdate); err != nil {
					s.Warnf("error recording step update from machine %s: %v", sess.machineID, err)
				}
			}
		case ClientFrameResult:
			if frame.Result != nil {
				if err := s.service.CompleteBuild(ctx, *frame.Result); err != nil {
					s.Warnf("error committing build result from machine %s: %v", sess.machineID, err)
				}
			}
		}
	}
}

func (s *Server) sendLoop(stream grpc.ServerStream, sess *session, errCh chan<- error) {
	for frame := range sess.send {
		if err := stream.SendMsg(frame); err != nil {
			errCh <- err
			return
		}
	}
}
