package rpcapi

import (
	"context"
	"net/http/httptest"
	"testing"
)

type fakeVmmService struct{}

func (fakeVmmService) Run(ctx context.Context, req RunVmmRequest, out chan<- ExecuteResponse) error {
	out <- ExecuteResponse{Stage: StageBuilding}
	out <- ExecuteResponse{Stage: StageDone}
	return nil
}

func (fakeVmmService) Shutdown(ctx context.Context, req ShutdownVmRequest) (ShutdownVmResponse, error) {
	return ShutdownVmResponse{Success: true}, nil
}

func TestVmmServiceRunStreamsInOrder(t *testing.T) {
	srv := httptest.NewServer(NewVmmServiceHandler(fakeVmmService{}))
	defer srv.Close()

	client := &VmmClient{BaseURL: srv.URL, HTTP: srv.Client()}
	var stages []Stage
	err := client.Run(context.Background(), RunVmmRequest{WorkloadName: "w"}, func(r ExecuteResponse) error {
		stages = append(stages, r.Stage)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stages) != 2 || stages[0] != StageBuilding || stages[1] != StageDone {
		t.Fatalf("stages = %v", stages)
	}
}

func TestVmmServiceShutdown(t *testing.T) {
	srv := httptest.NewServer(NewVmmServiceHandler(fakeVmmService{}))
	defer srv.Close()

	client := &VmmClient{BaseURL: srv.URL, HTTP: srv.Client()}
	resp, err := client.Shutdown(context.Background(), ShutdownVmRequest{WorkloadName: "w"})
	if err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success")
	}
}

func TestIsBrokenPipe(t *testing.T) {
	if !isBrokenPipe(errBrokenPipeForTest{}) {
		t.Fatalf("expected broken pipe match")
	}
}

type errBrokenPipeForTest struct{}

func (errBrokenPipeForTest) Error() string { return "write: broken pipe" }
