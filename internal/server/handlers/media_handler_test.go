package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mamadbah2/chanway/internal/domain/models"
)

type fakeMediaInstances struct {
	inst       *models.ChannelInstance
	err        error
	lastCaller models.Caller
}

func (f *fakeMediaInstances) Get(_ context.Context, caller models.Caller, _ string) (*models.ChannelInstance, error) {
	f.lastCaller = caller
	return f.inst, f.err
}

func (f *fakeMediaInstances) BotToken(*models.ChannelInstance) (string, error) {
	return "123:ABC", nil
}

type fakeOpener struct {
	token, path string
}

func (f *fakeOpener) OpenFile(_ context.Context, token, filePath string) (*models.RemoteFile, error) {
	f.token, f.path = token, filePath
	return &models.RemoteFile{
		Body:        io.NopCloser(strings.NewReader("jpeg-bytes")),
		ContentType: "image/jpeg",
		Size:        10,
	}, nil
}

func mediaEngine(instances MediaInstances, files FileOpener) *gin.Engine {
	h := NewMediaHandler(instances, files, nil)
	r := gin.New()
	r.GET("/media/telegram/:instanceId/*filePath", h.Telegram)
	return r
}

func TestTelegramMediaProxy(t *testing.T) {
	instances := &fakeMediaInstances{inst: &models.ChannelInstance{ID: "i-tg", ChannelType: models.ChannelTelegram}}
	files := &fakeOpener{}
	r := mediaEngine(instances, files)

	rec := do(r, http.MethodGet, "/media/telegram/i-tg/photos/file_7.jpg", "", map[string]string{HeaderCompanyID: "c-1"})
	if rec.Code != http.StatusOK || rec.Body.String() != "jpeg-bytes" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
	if files.token != "123:ABC" || files.path != "photos/file_7.jpg" {
		t.Fatalf("opened %q with token %q", files.path, files.token)
	}
	if instances.lastCaller.CompanyID != "c-1" {
		t.Fatalf("caller = %+v", instances.lastCaller)
	}
}

func TestTelegramMediaProxyRejects(t *testing.T) {
	tests := []struct {
		name string
		inst *models.ChannelInstance
		err  error
		path string
		want int
	}{
		{name: "traversal", inst: &models.ChannelInstance{ChannelType: models.ChannelTelegram}, path: "/media/telegram/i-tg/../secrets", want: http.StatusBadRequest},
		{name: "other tenant", err: models.ErrForbidden, path: "/media/telegram/i-tg/photos/a.jpg", want: http.StatusForbidden},
		{name: "not telegram", inst: &models.ChannelInstance{ChannelType: models.ChannelWhatsApp}, path: "/media/telegram/i-wa/photos/a.jpg", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := &fakeOpener{}
			r := mediaEngine(&fakeMediaInstances{inst: tt.inst, err: tt.err}, files)
			rec := do(r, http.MethodGet, tt.path, "", nil)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if files.path != "" {
				t.Fatalf("file opened for rejected request: %q", files.path)
			}
		})
	}
}
