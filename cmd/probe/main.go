package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/relabs-tech/ar_pipeline/internal/envstore"
	"github.com/relabs-tech/ar_pipeline/internal/lightprobe"
)

// Standalone light-probe extraction over a stored capture session.
// Prints the extracted lights as JSON on stdout.
func main() {
	session := flag.String("session", "", "capture session directory (containing envmap.hdr)")
	method := flag.String("method", "median", "extraction method: median or variance")
	levels := flag.Int("levels", 4, "number of subdivision levels (2^levels lights)")
	flag.Parse()

	if *session == "" {
		log.Fatal("usage: probe -session <dir> [-method median|variance] [-levels n]")
	}
	if *levels < 0 || *levels > 10 {
		log.Fatalf("levels must be 0-10, got %d", *levels)
	}

	store, err := envstore.Open(*session)
	if err != nil {
		log.Fatalf("failed to open session: %v", err)
	}
	hdr, err := store.LoadHDR()
	if err != nil {
		log.Fatalf("failed to load HDR panorama: %v", err)
	}
	log.Printf("loaded %dx%d panorama from %s", hdr.Width, hdr.Height, store.Dir())

	var lights []lightprobe.Light
	switch *method {
	case "median":
		lights = lightprobe.MedianCut(hdr, *levels)
	case "variance":
		lights = lightprobe.VarianceCut(hdr, *levels)
	default:
		log.Fatalf("unknown method %q (use median or variance)", *method)
	}
	log.Printf("extracted %d lights (%s cut)", len(lights), *method)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(lights); err != nil {
		log.Fatalf("failed to encode lights: %v", err)
	}
}
