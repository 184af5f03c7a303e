package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/inkwell/internal/conversation"
	"github.com/zulandar/inkwell/internal/filestore"
	"go.uber.org/zap"
)

// maxImportBytes caps the size of an imported conversation document.
const maxImportBytes = 32 << 20

// Workspace is the uploaded-files area of the file-store collaborator.
type Workspace interface {
	ListFiles(ctx context.Context) ([]filestore.FileInfo, error)
	Upload(ctx context.Context, name string, content io.Reader) error
	ReadText(ctx context.Context, name string) (filestore.TextFile, error)
}

var errNoWorkspace = errors.New("workspace is not configured")

func (h *handlers) listWorkspace(c *gin.Context) {
	if h.files == nil {
		abort(c, http.StatusNotFound, errNoWorkspace)
		return
	}
	files, err := h.files.ListFiles(c.Request.Context())
	if err != nil {
		abort(c, http.StatusBadGateway, err)
		return
	}
	if files == nil {
		files = []filestore.FileInfo{}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// uploadWorkspace stores every part of the multipart "files" field.
func (h *handlers) uploadWorkspace(c *gin.Context) {
	if h.files == nil {
		abort(c, http.StatusNotFound, errNoWorkspace)
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	parts := form.File["files"]
	if len(parts) == 0 {
		abort(c, http.StatusBadRequest, errors.New("no files in upload"))
		return
	}

	uploaded := make([]string, 0, len(parts))
	for _, fh := range parts {
		f, err := fh.Open()
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		err = h.files.Upload(c.Request.Context(), fh.Filename, f)
		f.Close()
		if err != nil {
			h.log.Warn("workspace upload failed", zap.String("file", fh.Filename), zap.Error(err))
			abort(c, http.StatusBadGateway, err)
			return
		}
		uploaded = append(uploaded, fh.Filename)
	}
	c.JSON(http.StatusCreated, gin.H{"uploaded": uploaded})
}

func (h *handlers) workspaceText(c *gin.Context) {
	if h.files == nil {
		abort(c, http.StatusNotFound, errNoWorkspace)
		return
	}
	name := c.Param("name")
	tf, err := h.files.ReadText(c.Request.Context(), name)
	if err != nil {
		status := statusOf(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		abort(c, status, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "text": tf.Text, "kind": tf.Kind})
}

// importConversations merges a JSON document of one conversation or an
// array of them into the store.
func (h *handlers) importConversations(c *gin.Context) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxImportBytes))
	if err != nil {
		abort(c, http.StatusRequestEntityTooLarge, err)
		return
	}
	convs, err := conversation.ParseJSON(data)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	n := h.engine.ImportConversations(convs)
	if n == 0 {
		abort(c, http.StatusBadRequest, fmt.Errorf("no importable conversations in %d entries", len(convs)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": n, "conversations": ConversationList(h.engine.Store())})
}
