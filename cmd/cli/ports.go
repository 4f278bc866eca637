package main

import (
	"fmt"

	"vr_teleop/command"
)

type PortsCommand struct {
	JSON bool `long:"json" description:"Print as JSON"`
}

func (c *PortsCommand) Execute(_ []string) error {
	ports, err := command.CandidatePorts()
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(ports)
	}
	if len(ports) == 0 {
		fmt.Println("No candidate serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("%s\tUSB %s:%s %s\n", p.Name, p.VID, p.PID, p.SerialNumber)
			continue
		}
		fmt.Println(p.Name)
	}
	return nil
}
