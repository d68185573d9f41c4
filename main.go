// Command ingestd crawls article sources and schedules batch analysis jobs.
package main

import "github.com/JakeFAU/article-ingest/cmd"

func main() {
	cmd.Execute()
}
