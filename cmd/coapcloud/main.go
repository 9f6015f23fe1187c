package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	coapcloud "github.com/fieldlink/gocoapcloud"
	log "github.com/sirupsen/logrus"
)

const OP_COUNT = 4

func main() {
	// Command line arguments
	configPath := flag.String("c", "", "configuration file path")
	vendor := flag.String("vendor", "", "vendor name (overrides config)")
	model := flag.String("model", "", "model name (overrides config)")
	serial := flag.String("serial", "", "serial number (overrides config)")
	writeAlias := flag.String("w", "uptime", "alias to write the loop counter to")
	subAlias := flag.String("s", "command", "alias to subscribe to")
	debug := flag.Bool("d", false, "enable debug logging")
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	config := coapcloud.DefaultConfig()
	if *configPath != "" {
		var err error
		config, err = coapcloud.LoadConfig(*configPath)
		if err != nil {
			fmt.Printf("could not load configuration %v : %v\n", *configPath, err)
			os.Exit(1)
		}
	}
	if *vendor != "" {
		config.Vendor = *vendor
	}
	if *model != "" {
		config.Model = *model
	}
	if *serial != "" {
		config.Serial = *serial
	}
	if config.Vendor == "" || config.Model == "" || config.Serial == "" {
		fmt.Println("vendor, model and serial are required, via config file or flags")
		os.Exit(1)
	}

	device := coapcloud.NewDevice(coapcloud.NewUdpPal(config))
	if err := device.Init(config.Vendor, config.Model, config.Serial); err != nil {
		fmt.Printf("device init failed : %v\n", err)
		os.Exit(1)
	}

	ops := make([]*coapcloud.Op, OP_COUNT)
	for i := range ops {
		ops[i] = &coapcloud.Op{}
		ops[i].Init()
	}

	readBuf := make([]byte, 32)
	// only need to set up the subscription once
	ops[1].Subscribe(*subAlias, readBuf)

	loopCount := uint64(0)
	errorCount := uint64(0)

	for {
		if loopCount%100 == 0 {
			ops[2].Write(*writeAlias, fmt.Sprint(loopCount))
		}

		// perform queued operations until all are done or failed
		for device.Operate(ops) != coapcloud.STATUS_IDLE {
		}

		for _, op := range ops[1:] {
			if !op.IsFinished() {
				continue
			}
			if op.IsSuccess() {
				log.Infof("'%v' = '%v'", op.Alias(), op.Value())
			} else {
				errorCount++
				log.Warnf("operation on '%v' failed, error count %v", op.Alias(), errorCount)
				ops[3].Write("errorcount", fmt.Sprint(errorCount))
			}
			op.Done()
		}

		time.Sleep(500 * time.Millisecond)
		loopCount++
	}
}
