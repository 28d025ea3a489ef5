package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path"
	"runtime"
	"runtime/pprof"
	"strconv"
	"syscall"
	"time"

	"github.com/speters/mmced/pkg/mmce"

	"github.com/gorilla/mux"
	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var listenFlag string
var cpuprofile string
var memprofile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the device and serve the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

func init() {
	serveCmd.Flags().StringVarP(&listenFlag, "listen", "s", "", "start http server at [bindtohost][:]port")
	serveCmd.Flags().StringVar(&cpuprofile, "cpuprofile", "", "write cpu profile to `file`")
	serveCmd.Flags().StringVar(&memprofile, "memprofile", "", "write memory profile to `file`")
}

type api struct {
	st *stack
}

func newRouter(st *stack) *mux.Router {
	a := &api{st: st}
	router := mux.NewRouter()
	router.Use(requestID)

	router.HandleFunc("/version", versionInfo).Methods("GET")
	router.Handle("/metrics", st.metrics.Handler()).Methods("GET")

	u := router.PathPrefix("/unit/{unit:[0-9]+}").Subrouter()
	u.HandleFunc("/ping", a.ping).Methods("GET")
	u.HandleFunc("/status", a.status).Methods("GET")
	u.HandleFunc("/card", a.getCard).Methods("GET")
	u.HandleFunc("/card", a.setCard).Methods("POST")
	u.HandleFunc("/channel", a.getChannel).Methods("GET")
	u.HandleFunc("/channel", a.setChannel).Methods("POST")
	u.HandleFunc("/gameid", a.getGameID).Methods("GET")
	u.HandleFunc("/gameid", a.setGameID).Methods("POST")
	u.HandleFunc("/reset", a.reset).Methods("POST")
	u.HandleFunc("/fs/{path:.*}", a.getFile).Methods("GET")
	u.HandleFunc("/fs/{path:.*}", a.putFile).Methods("PUT")
	u.HandleFunc("/fs/{path:.*}", a.deleteFile).Methods("DELETE")
	return router
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewV4().String()
		w.Header().Set("X-Request-Id", id)
		log.WithFields(log.Fields{"id": id, "method": r.Method}).Debugf("HTTP %s", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func versionInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	v := struct {
		Version   string `json:"version"`
		BuildDate string `json:"build_date"`
	}{Version: buildVersion, BuildDate: buildDate}
	j, _ := json.Marshal(v)
	w.Write(j)
}

func writeJSON(w http.ResponseWriter, v any) {
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	e.Encode(v)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, mmce.ErrInvalidArgument), errors.Is(err, mmce.ErrNameTooLong):
		return http.StatusBadRequest
	case errors.Is(err, mmce.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, mmce.ErrNoHandles):
		return http.StatusServiceUnavailable
	case errors.Is(err, mmce.ErrIO):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(statusOf(err))
	w.Write([]byte(err.Error()))
}

func (a *api) unit(w http.ResponseWriter, r *http.Request) (int, bool) {
	unit, err := strconv.Atoi(mux.Vars(r)["unit"])
	if err != nil || !a.st.cfg.HasUnit(unit) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(fmt.Sprintf("No such unit %v", mux.Vars(r)["unit"])))
		return 0, false
	}
	return unit, true
}

// device runs fn on the device of the unit in the request path
func (a *api) device(w http.ResponseWriter, r *http.Request, fn func(d *mmce.Device) (any, error)) {
	unit, ok := a.unit(w, r)
	if !ok {
		return
	}
	var res any
	err := a.st.drv.FS.WithUnit(unit, func(d *mmce.Device) (err error) {
		res, err = fn(d)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if res == nil {
		res = "OK"
	}
	writeJSON(w, res)
}

type identity struct {
	Protocol byte   `json:"protocol"`
	Product  string `json:"product"`
	Revision byte   `json:"revision"`
}

func (a *api) ping(w http.ResponseWriter, r *http.Request) {
	a.device(w, r, func(d *mmce.Device) (any, error) {
		id, err := d.Ping()
		return identity{Protocol: id.Protocol, Product: id.ProductName(), Revision: id.Revision}, err
	})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	a.device(w, r, func(d *mmce.Device) (any, error) {
		st, err := d.Status()
		return map[string]uint16{"status": st}, err
	})
}

// selectBody is the body of POST /card and /channel
type selectBody struct {
	Type byte   `json:"type"`
	Mode string `json:"mode"`
	Num  uint16 `json:"num"`
}

func (b selectBody) mode() (mmce.SelectMode, error) {
	switch b.Mode {
	case "", "num":
		return mmce.SelectNum, nil
	case "next":
		return mmce.SelectNext, nil
	case "prev":
		return mmce.SelectPrev, nil
	}
	return 0, fmt.Errorf("%w: mode %q", mmce.ErrInvalidArgument, b.Mode)
}

func decodeSelect(r *http.Request) (selectBody, mmce.SelectMode, error) {
	var b selectBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		return b, 0, fmt.Errorf("%w: %v", mmce.ErrInvalidArgument, err)
	}
	mode, err := b.mode()
	return b, mode, err
}

func (a *api) getCard(w http.ResponseWriter, r *http.Request) {
	a.device(w, r, func(d *mmce.Device) (any, error) {
		num, err := d.Card()
		return map[string]uint16{"card": num}, err
	})
}

func (a *api) setCard(w http.ResponseWriter, r *http.Request) {
	b, mode, err := decodeSelect(r)
	if err != nil {
		writeError(w, err)
		return
	}
	a.device(w, r, func(d *mmce.Device) (any, error) {
		return nil, d.SetCard(mmce.CardType(b.Type), mode, b.Num)
	})
}

func (a *api) getChannel(w http.ResponseWriter, r *http.Request) {
	a.device(w, r, func(d *mmce.Device) (any, error) {
		ch, err := d.Channel()
		return map[string]uint16{"channel": ch}, err
	})
}

func (a *api) setChannel(w http.ResponseWriter, r *http.Request) {
	b, mode, err := decodeSelect(r)
	if err != nil {
		writeError(w, err)
		return
	}
	a.device(w, r, func(d *mmce.Device) (any, error) {
		return nil, d.SetChannel(mode, b.Num)
	})
}

func (a *api) getGameID(w http.ResponseWriter, r *http.Request) {
	a.device(w, r, func(d *mmce.Device) (any, error) {
		id, err := d.GameID()
		return map[string]string{"gameid": id}, err
	})
}

func (a *api) setGameID(w http.ResponseWriter, r *http.Request) {
	var b struct {
		GameID string `json:"gameid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, fmt.Errorf("%w: %v", mmce.ErrInvalidArgument, err))
		return
	}
	a.device(w, r, func(d *mmce.Device) (any, error) {
		return nil, d.SetGameID(b.GameID)
	})
}

func (a *api) reset(w http.ResponseWriter, r *http.Request) {
	a.device(w, r, func(d *mmce.Device) (any, error) {
		return nil, d.Reset()
	})
}

func fsPath(r *http.Request) string {
	return path.Clean("/" + mux.Vars(r)["path"])
}

func (a *api) getFile(w http.ResponseWriter, r *http.Request) {
	unit, ok := a.unit(w, r)
	if !ok {
		return
	}
	fs := a.st.drv.FS
	name := fsPath(r)

	st, err := fs.Stat(unit, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if st.IsDir() {
		d, err := fs.Dopen(unit, name)
		if err != nil {
			writeError(w, err)
			return
		}
		entries, err := d.ReadAll()
		d.Close()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, entries)
		return
	}

	f, err := fs.Open(unit, name, mmce.ORdOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatUint(st.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		log.Errorf("Sending %s: %v", name, err)
	}
}

func (a *api) putFile(w http.ResponseWriter, r *http.Request) {
	unit, ok := a.unit(w, r)
	if !ok {
		return
	}
	f, err := a.st.drv.FS.Open(unit, fsPath(r), mmce.OWrOnly|mmce.OCreat|mmce.OTrunc)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := io.Copy(f, r.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int64{"written": n})
}

func (a *api) deleteFile(w http.ResponseWriter, r *http.Request) {
	unit, ok := a.unit(w, r)
	if !ok {
		return
	}
	fs := a.st.drv.FS
	name := fsPath(r)

	st, err := fs.Stat(unit, name)
	if err == nil {
		if st.IsDir() {
			err = fs.Rmdir(unit, name)
		} else {
			err = fs.Remove(unit, name)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, "OK")
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}
	// accept :[portnum] as well as [portnum]
	if i, err := strconv.Atoi(cfg.Listen); err == nil {
		cfg.Listen = fmt.Sprintf(":%d", i)
	}

	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	st, err := openStack(cfg, true)
	if err != nil {
		return err
	}
	defer st.Close()
	for unit, id := range st.drv.Cards {
		log.Infof("Unit %d: %s rev %d", unit, id.ProductName(), id.Revision)
	}

	h := &http.Server{Addr: cfg.Listen, Handler: newRouter(st)}
	go func() {
		log.Infof("Listening on %s", cfg.Listen)
		if err := h.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err)
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	if st.bridge != nil {
		go reconnect(st, reconnectDelay, stop)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	<-done

	if memprofile != "" {
		f, err := os.Create(memprofile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		runtime.GC() // get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
		f.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Shutdown(ctx)
}

// reconnectDelay is the pause before the bridge is dialed again
const reconnectDelay = 12 * time.Second

// reconnect brings the bridge back whenever it goes away, until stop is
// closed
func reconnect(st *stack, delay time.Duration, stop <-chan struct{}) {
	for {
		select {
		case <-st.bridge.Done():
		case <-stop:
			return
		}
		select {
		case <-time.After(delay):
		case <-stop:
			return
		}
		if err := st.bridge.Reconnect(); err != nil {
			log.Error(err)
		} else {
			log.Infof("Reconnected")
		}
	}
}
