package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/greenroomhq/greenroom/internal/buildinfo"
	"github.com/greenroomhq/greenroom/internal/core"
	"github.com/greenroomhq/greenroom/internal/store"
)

// MCPServer exposes rooms and operations as MCP tools over stdio, so an
// operator's assistant can inspect and manage the fleet.
type MCPServer struct {
	manager  *core.Manager
	store    *store.Store
	executor core.Executor
	logger   *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(manager *core.Manager, st *store.Store, executor core.Executor, logger *slog.Logger) *MCPServer {
	return &MCPServer{
		manager:  manager,
		store:    st,
		executor: executor,
		logger:   logger,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"greenroom",
		buildinfo.Version,
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")

	return server.ServeStdio(mcpServer)
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("room_list",
		mcp.WithDescription("List interview rooms, optionally filtered by status"),
		mcp.WithString("status",
			mcp.Description("Filter by room status"),
			mcp.Enum("pending", "active", "destroyed", "failed"),
		),
	), s.handleRoomList)

	mcpServer.AddTool(mcp.NewTool("room_get",
		mcp.WithDescription("Show one room with its access URL and expiry"),
		mcp.WithString("room_id",
			mcp.Required(),
			mcp.Description("Room ID"),
		),
	), s.handleRoomGet)

	mcpServer.AddTool(mcp.NewTool("room_destroy",
		mcp.WithDescription("Tear a room down: cancels its scheduled operations and starts a destroy operation"),
		mcp.WithString("room_id",
			mcp.Required(),
			mcp.Description("Room ID"),
		),
		mcp.WithBoolean("save_artifacts",
			mcp.Description("Archive the candidate's workspace before teardown (defaults to the room's setting)"),
		),
	), s.handleRoomDestroy)

	mcpServer.AddTool(mcp.NewTool("operation_list",
		mcp.WithDescription("List operations, newest first"),
		mcp.WithString("room_id",
			mcp.Description("Only operations for this room"),
		),
		mcp.WithString("status",
			mcp.Description("Filter by operation status"),
			mcp.Enum("scheduled", "pending", "running", "completed", "failed", "cancelled"),
		),
		mcp.WithString("kind",
			mcp.Description("Filter by operation kind"),
			mcp.Enum("create", "destroy"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of operations to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleOperationList)

	mcpServer.AddTool(mcp.NewTool("operation_get",
		mcp.WithDescription("Show one operation with its result and recent log lines"),
		mcp.WithString("operation_id",
			mcp.Required(),
			mcp.Description("Operation ID"),
		),
	), s.handleOperationGet)

	mcpServer.AddTool(mcp.NewTool("operation_logs",
		mcp.WithDescription("Show an operation's log output"),
		mcp.WithString("operation_id",
			mcp.Required(),
			mcp.Description("Operation ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Return only the last N lines, default all"),
			mcp.Min(0),
		),
	), s.handleOperationLogs)

	mcpServer.AddTool(mcp.NewTool("operation_cancel",
		mcp.WithDescription("Cancel a pending or running operation"),
		mcp.WithString("operation_id",
			mcp.Required(),
			mcp.Description("Operation ID"),
		),
	), s.handleOperationCancel)

	s.logger.Info("MCP tools registered", "count", 7)
}

// handleRoomList handles the room_list tool call.
func (s *MCPServer) handleRoomList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statusFilter := mcp.ParseString(request, "status", "")

	rooms, err := s.store.ListRooms(ctx)
	if err != nil {
		s.logger.Error("list rooms", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list rooms: %v", err)), nil
	}

	var shown int
	result := ""
	for _, room := range rooms {
		if statusFilter != "" && string(room.Status) != statusFilter {
			continue
		}
		shown++
		result += fmt.Sprintf("%s %s\n", roomStatusIcon(room.Status), room.ID)
		result += fmt.Sprintf("  Candidate: %s\n", room.CandidateName)
		result += fmt.Sprintf("  Workload: %s\n", room.WorkloadKind)
		result += fmt.Sprintf("  Status: %s\n", room.Status)
		if room.AccessURL != "" {
			result += fmt.Sprintf("  Access URL: %s\n", room.AccessURL)
		}
		if room.ExpiresAt != nil {
			result += fmt.Sprintf("  Expires: %s\n", formatTime(room.ExpiresAt))
		}
		result += "\n"
	}
	if shown == 0 {
		return mcp.NewToolResultText("no rooms found"), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("found %d rooms:\n\n%s", shown, result)), nil
}

// handleRoomGet handles the room_get tool call.
func (s *MCPServer) handleRoomGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	roomID := mcp.ParseString(request, "room_id", "")

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("room not found: %s", roomID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load room: %v", err)), nil
	}

	result := fmt.Sprintf("Room ID: %s\n", room.ID)
	result += fmt.Sprintf("Candidate: %s\n", room.CandidateName)
	result += fmt.Sprintf("Workload: %s\n", room.WorkloadKind)
	result += fmt.Sprintf("Status: %s\n", room.Status)
	if room.AccessURL != "" {
		result += fmt.Sprintf("Access URL: %s\n", room.AccessURL)
	}
	result += fmt.Sprintf("Save artifacts: %t\n", room.SaveArtifacts)
	if room.ArchiveLocation != "" {
		result += fmt.Sprintf("Archive: %s\n", room.ArchiveLocation)
	}
	if room.ExpiresAt != nil {
		result += fmt.Sprintf("Expires: %s\n", formatTime(room.ExpiresAt))
	}
	result += fmt.Sprintf("Created: %s\n", formatTime(&room.CreatedAt))

	return mcp.NewToolResultText(result), nil
}

// handleRoomDestroy handles the room_destroy tool call.
func (s *MCPServer) handleRoomDestroy(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	roomID := mcp.ParseString(request, "room_id", "")

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("room not found: %s", roomID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load room: %v", err)), nil
	}

	live, err := s.store.HasLiveDestroyForRoom(ctx, roomID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to check destroy state: %v", err)), nil
	}
	if live {
		return mcp.NewToolResultError("a destroy operation is already underway for this room"), nil
	}

	saveArtifacts := mcp.ParseBoolean(request, "save_artifacts", room.SaveArtifacts)

	cancelled, err := s.manager.CancelAllScheduledForRoom(ctx, roomID)
	if err != nil {
		s.logger.Error("cancel scheduled operations", "room_id", roomID, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to cancel scheduled operations: %v", err)), nil
	}

	op, err := s.manager.CreateOperation(ctx, core.CreateOperationParams{
		Kind:          core.KindDestroy,
		RoomID:        room.ID,
		RoomName:      room.CandidateName,
		WorkloadKind:  room.WorkloadKind,
		SaveArtifacts: saveArtifacts,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create destroy operation: %v", err)), nil
	}
	if err := s.executor.Execute(ctx, op); err != nil {
		s.logger.Error("submit destroy operation", "operation_id", op.ID, "err", err)
	}

	s.logger.Info("destroy started", "room_id", roomID, "operation_id", op.ID)

	return mcp.NewToolResultText(fmt.Sprintf("destroy started\nRoom: %s\nOperation: %s\nCancelled scheduled operations: %d",
		room.ID,
		op.ID,
		cancelled,
	)), nil
}

// handleOperationList handles the operation_list tool call.
func (s *MCPServer) handleOperationList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := core.OperationFilter{
		RoomID: mcp.ParseString(request, "room_id", ""),
		Limit:  int(mcp.ParseFloat64(request, "limit", 20)),
	}
	if statusStr := mcp.ParseString(request, "status", ""); statusStr != "" {
		status := core.OperationStatus(statusStr)
		filter.Status = &status
	}
	if kindStr := mcp.ParseString(request, "kind", ""); kindStr != "" {
		kind := core.OperationKind(kindStr)
		filter.Kind = &kind
	}

	ops, err := s.manager.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list operations: %v", err)), nil
	}

	if len(ops) == 0 {
		return mcp.NewToolResultText("no operations found"), nil
	}

	result := fmt.Sprintf("found %d operations:\n\n", len(ops))
	for _, op := range ops {
		result += fmt.Sprintf("[%s] %s (%s)\n", statusIcon(op.Status), op.ID, op.Kind)
		result += fmt.Sprintf("    Room: %s (%s)\n", op.RoomID, op.RoomName)
		result += fmt.Sprintf("    Status: %s\n", op.Status)
		if op.ScheduledAt != nil {
			result += fmt.Sprintf("    Scheduled: %s\n", formatTime(op.ScheduledAt))
		}
		if op.CompletedAt != nil {
			result += fmt.Sprintf("    Completed: %s\n", formatTime(op.CompletedAt))
		}
		result += "\n"
	}

	return mcp.NewToolResultText(result), nil
}

// handleOperationGet handles the operation_get tool call.
func (s *MCPServer) handleOperationGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	operationID := mcp.ParseString(request, "operation_id", "")

	op, err := s.manager.Get(ctx, operationID)
	if err != nil {
		if errors.Is(err, store.ErrOperationNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("operation not found: %s", operationID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load operation: %v", err)), nil
	}

	result := fmt.Sprintf("Operation ID: %s\n", op.ID)
	result += fmt.Sprintf("Kind: %s\n", op.Kind)
	result += fmt.Sprintf("Status: %s %s\n", statusIcon(op.Status), op.Status)
	result += fmt.Sprintf("Room: %s (%s)\n", op.RoomID, op.RoomName)
	if op.ScheduledAt != nil {
		result += fmt.Sprintf("Scheduled: %s\n", formatTime(op.ScheduledAt))
	}
	if op.StartedAt != nil {
		result += fmt.Sprintf("Started: %s\n", formatTime(op.StartedAt))
	}
	if op.CompletedAt != nil {
		result += fmt.Sprintf("Completed: %s\n", formatTime(op.CompletedAt))
	}
	if op.Result != nil {
		result += fmt.Sprintf("Success: %t\n", op.Result.Success)
		if op.Result.AccessURL != "" {
			result += fmt.Sprintf("Access URL: %s\n", op.Result.AccessURL)
		}
		if op.Result.Error != "" {
			result += fmt.Sprintf("Error: %s\n", op.Result.Error)
		}
		if op.Result.ArchiveLocation != "" {
			result += fmt.Sprintf("Archive: %s\n", op.Result.ArchiveLocation)
		}
		if op.Result.ProviderReady != nil {
			result += fmt.Sprintf("Provider ready: %t\n", *op.Result.ProviderReady)
		}
	}
	if n := len(op.Logs); n > 0 {
		tail := op.Logs
		if n > 10 {
			tail = op.Logs[n-10:]
		}
		result += fmt.Sprintf("\nLast %d log lines:\n", len(tail))
		for _, l := range tail {
			result += fmt.Sprintf("  %s %s\n", formatTime(&l.At), l.Line)
		}
	}

	return mcp.NewToolResultText(result), nil
}

// handleOperationLogs handles the operation_logs tool call.
func (s *MCPServer) handleOperationLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	operationID := mcp.ParseString(request, "operation_id", "")
	tail := int(mcp.ParseFloat64(request, "tail", 0))

	lines, err := s.manager.Logs(ctx, operationID, tail)
	if err != nil {
		if errors.Is(err, store.ErrOperationNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("operation not found: %s", operationID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to read logs: %v", err)), nil
	}
	if len(lines) == 0 {
		return mcp.NewToolResultText("no log output yet"), nil
	}

	result := ""
	for _, l := range lines {
		result += fmt.Sprintf("%s %s\n", formatTime(&l.At), l.Line)
	}
	return mcp.NewToolResultText(result), nil
}

// handleOperationCancel handles the operation_cancel tool call.
func (s *MCPServer) handleOperationCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	operationID := mcp.ParseString(request, "operation_id", "")

	cancelled, err := s.manager.Cancel(ctx, operationID)
	if err != nil {
		if errors.Is(err, store.ErrOperationNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("operation not found: %s", operationID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to cancel operation: %v", err)), nil
	}
	if !cancelled {
		return mcp.NewToolResultText("operation was not cancelled (already finished, or waiting on its schedule)"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("operation cancelled: %s", operationID)), nil
}

// Helper functions

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func statusIcon(status core.OperationStatus) string {
	switch status {
	case core.StatusCompleted:
		return "✅"
	case core.StatusFailed:
		return "❌"
	case core.StatusCancelled:
		return "🚫"
	case core.StatusRunning:
		return "▶️"
	case core.StatusPending:
		return "⏳"
	case core.StatusScheduled:
		return "📅"
	default:
		return "❓"
	}
}

func roomStatusIcon(status core.RoomStatus) string {
	switch status {
	case core.RoomActive:
		return "🟢"
	case core.RoomPending:
		return "⏳"
	case core.RoomDestroyed:
		return "🗑️"
	case core.RoomFailed:
		return "❌"
	default:
		return "❓"
	}
}
