// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package power

import (
	"k8s.io/klog/v2"
)

// StaticClock is a Clock for platforms where the DSP clocks are owned
// and kept running by the kernel. Every operation only logs.
type StaticClock struct{}

func (StaticClock) Init() error {
	klog.V(2).Info("DSP clocks are managed by the platform")
	return nil
}

func (StaticClock) On() error {
	klog.V(3).Info("DSP clock on (static)")
	return nil
}

func (StaticClock) Off() error {
	klog.V(3).Info("DSP clock off (static)")
	return nil
}
