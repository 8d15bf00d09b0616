package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bacsc/scnode/pkg/tlsmaterial"
	"k8s.io/klog/v2"
)

func main() {
	var (
		outputDir  = flag.String("output-dir", "certs", "Directory to write generated TLS material")
		commonName = flag.String("common-name", "scnode", "Common name for the operational certificate")
		validFor   = flag.Duration("valid-for", 24*time.Hour, "Certificate validity period")
	)

	klog.InitFlags(nil)
	flag.Parse()

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		klog.ErrorS(err, "failed to create output directory")
		os.Exit(1)
	}

	material, err := tlsmaterial.GenerateSelfSigned(*commonName, *validFor)
	if err != nil {
		klog.ErrorS(err, "failed to generate TLS material")
		os.Exit(1)
	}

	writeOrExit(filepath.Join(*outputDir, "ca-cert.pem"), material.CA, 0o644)
	writeOrExit(filepath.Join(*outputDir, "node-cert.pem"), material.Cert, 0o644)
	writeOrExit(filepath.Join(*outputDir, "node-key.pem"), material.Key, 0o600)

	fmt.Printf("generated self-signed TLS material for %q, valid for %s, in %s\n", *commonName, *validFor, *outputDir)
	fmt.Println("this material is for development and testing only; do not use it in production")
}

func writeOrExit(path string, data []byte, perm os.FileMode) {
	if err := os.WriteFile(path, data, perm); err != nil {
		klog.ErrorS(err, "failed to write file", "path", path)
		os.Exit(1)
	}
}
