// Command finetune trains, applies and inspects finetuned text classifiers.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
