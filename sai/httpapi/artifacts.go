package httpapi

import (
	"bytes"
	"net/http"

	"github.com/gorilla/mux"

	"go.skia.org/sai/go/sklog"
	"go.skia.org/sai/sai/taskstore"
)

// ArtifactHandler serves GET /artifacts/{task_uuid}/{down_nonce}/{filename},
// streaming the blob with Content-Length set from the stored row. A
// down_nonce that doesn't match the task+filename returns 404, never a
// hint about which part was wrong.
func ArtifactHandler(store *taskstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		taskUUID, downNonce, filename := vars["task_uuid"], vars["down_nonce"], vars["filename"]
		eventUUID := ""
		if len(taskUUID) >= 32 {
			eventUUID = taskUUID[:32]
		}

		art, err := store.ArtifactByDownNonce(r.Context(), eventUUID, taskUUID, downNonce, filename)
		if err != nil {
			sklog.Warningf("httpapi: artifact lookup for %s/%s: %s", taskUUID, filename, err)
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, filename, httpModTime(art.Timestamp), bytes.NewReader(art.Blob))
	}
}
